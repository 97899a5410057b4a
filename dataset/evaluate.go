package dataset

import "fmt"

// Predictions returns the arg max class of every image in a batch. Results
// are laid out as the client receives them: for every class score, the
// scores of all images in the batch.
func Predictions(results []float64, batch int) ([]int, error) {
	if batch < 1 || len(results) == 0 || len(results)%batch != 0 {
		return nil, fmt.Errorf("cannot split %d results into batches of %d", len(results), batch)
	}
	classes := len(results) / batch
	predictions := make([]int, batch)
	for b := 0; b < batch; b++ {
		maxIdx := 0
		maxVal := results[b]
		for c := 1; c < classes; c++ {
			if v := results[c*batch+b]; v > maxVal {
				maxVal = v
				maxIdx = c
			}
		}
		predictions[b] = maxIdx
	}
	return predictions, nil
}

// Accuracy returns the fraction of predictions matching labels.
func Accuracy(predictions, labels []int) (float64, error) {
	if len(predictions) != len(labels) || len(labels) == 0 {
		return 0, fmt.Errorf("have %d predictions for %d labels", len(predictions), len(labels))
	}
	correct := 0
	for i, p := range predictions {
		if p == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}
