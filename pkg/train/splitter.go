package train

import (
	"fmt"
	"math"
	"math/rand"
)

// DataSplitter shuffles cell indices and partitions them into train,
// validation, and test sets.
type DataSplitter struct {
	// TrainSize is the fraction of cells used for training, in (0, 1].
	TrainSize float64 `json:"train_size"`
	// ValidationSize is the validation fraction; a negative value means
	// "everything not used for training", leaving the test set empty.
	ValidationSize float64 `json:"validation_size"`
	// Shuffle randomizes the assignment. Seed fixes the permutation.
	Shuffle bool  `json:"shuffle"`
	Seed    int64 `json:"seed"`
}

// NewDataSplitter returns the default 90/10 train/validation splitter.
func NewDataSplitter(seed int64) *DataSplitter {
	return &DataSplitter{
		TrainSize:      0.9,
		ValidationSize: -1,
		Shuffle:        true,
		Seed:           seed,
	}
}

// Split partitions n cells. Train indices come first in the shuffled
// permutation, then validation, then whatever remains as test.
type Split struct {
	TrainIdx []int
	ValIdx   []int
	TestIdx  []int
}

// NTrain returns the training set size.
func (s *Split) NTrain() int { return len(s.TrainIdx) }

// NVal returns the validation set size.
func (s *Split) NVal() int { return len(s.ValIdx) }

// Split computes the index partition for n cells.
func (ds *DataSplitter) Split(n int) (*Split, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cannot split %d cells", n)
	}
	if ds.TrainSize <= 0 || ds.TrainSize > 1 {
		return nil, fmt.Errorf("train_size must be in (0, 1], got %v", ds.TrainSize)
	}

	nTrain := int(math.Ceil(ds.TrainSize * float64(n)))
	if nTrain > n {
		nTrain = n
	}
	var nVal int
	if ds.ValidationSize < 0 {
		nVal = n - nTrain
	} else {
		nVal = int(math.Floor(ds.ValidationSize * float64(n)))
	}
	if nTrain+nVal > n {
		return nil, fmt.Errorf("train_size %v and validation_size %v exceed the data",
			ds.TrainSize, ds.ValidationSize)
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	if ds.Shuffle {
		rng := rand.New(rand.NewSource(ds.Seed))
		rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	}

	return &Split{
		TrainIdx: perm[:nTrain],
		ValIdx:   perm[nTrain : nTrain+nVal],
		TestIdx:  perm[nTrain+nVal:],
	}, nil
}
