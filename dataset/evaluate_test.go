package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPredictions(t *testing.T) {
	// three classes, two images: image 0 scores {0.1, 0.7, 0.2}, image 1 scores {0.9, 0.05, 0.05}
	results := []float64{0.1, 0.9, 0.7, 0.05, 0.2, 0.05}
	predictions, err := Predictions(results, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, predictions)

	acc, err := Accuracy(predictions, []int{1, 2})
	require.NoError(t, err)
	require.InDelta(t, 0.5, acc, 1e-12)
}

func TestPredictionsErrors(t *testing.T) {
	_, err := Predictions([]float64{1, 2, 3}, 2)
	require.Error(t, err)
	_, err = Predictions(nil, 1)
	require.Error(t, err)
	_, err = Accuracy([]int{1}, []int{1, 2})
	require.Error(t, err)
}
