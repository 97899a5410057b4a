package he

import (
	"encoding/hex"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"golang.org/x/crypto/blake2b"
)

// ParameterSetIdentifier names a CKKS parameter set.
type ParameterSetIdentifier string

const (
	// DefaultSet is the general purpose set with ring degree 2^14.
	DefaultSet ParameterSetIdentifier = "DefaultSet"
	// TestSet is a faster set with ring degree 2^12, used by the tests.
	TestSet ParameterSetIdentifier = "TestSet"
	// DeepSet trades speed for a longer modulus chain.
	DeepSet ParameterSetIdentifier = "DeepSet"
)

// SecurityLevel is the declared classical security of a parameter set. It
// is informational only.
type SecurityLevel int

// ParameterSet pairs a parameters literal with its declared security.
type ParameterSet struct {
	Name     ParameterSetIdentifier
	Literal  ckks.ParametersLiteral
	Security SecurityLevel
}

var parameterSets = map[ParameterSetIdentifier]ParameterSet{
	DefaultSet: {
		Name: DefaultSet,
		Literal: ckks.ParametersLiteral{
			LogN:            14,
			LogQ:            []int{55, 40, 40, 40, 40, 40},
			LogP:            []int{60, 60},
			LogDefaultScale: 40,
		},
		Security: 128,
	},
	TestSet: {
		Name: TestSet,
		Literal: ckks.ParametersLiteral{
			LogN:            12,
			LogQ:            []int{40, 40, 40, 40},
			LogP:            []int{45, 45},
			LogDefaultScale: 30,
		},
		Security: 128,
	},
	DeepSet: {
		Name: DeepSet,
		Literal: ckks.ParametersLiteral{
			LogN:            15,
			LogQ:            []int{60, 45, 45, 45, 45, 45, 45, 45, 45, 45},
			LogP:            []int{61, 61, 61},
			LogDefaultScale: 45,
		},
		Security: 128,
	},
}

// LookupParameterSet returns the named parameter set.
func LookupParameterSet(id ParameterSetIdentifier) (ParameterSet, error) {
	set, ok := parameterSets[id]
	if !ok {
		return ParameterSet{}, fmt.Errorf("unknown parameter set identifier: %s", id)
	}
	return set, nil
}

// NewParameters instantiates the CKKS parameters of the named set.
func NewParameters(id ParameterSetIdentifier) (ckks.Parameters, error) {
	set, err := LookupParameterSet(id)
	if err != nil {
		return ckks.Parameters{}, err
	}
	params, err := ckks.NewParametersFromLiteral(set.Literal)
	if err != nil {
		return ckks.Parameters{}, fmt.Errorf("error creating CKKS parameters for %s: %w", id, err)
	}
	return params, nil
}

// Fingerprint returns a short digest of the serialized parameters. Both
// peers log it so that a parameter mismatch is visible.
func Fingerprint(params ckks.Parameters) (string, error) {
	data, err := params.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("error marshaling parameters: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}
