package mnist

import (
	"io"
	"log"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"
)

// Iterator walks an (images, labels) pair in fixed size batches, yielding
// views over the backing tensors.
type Iterator struct {
	xs, ys *tensor.Dense
	batch  int
	next   int
}

// NewIterator returns an iterator over the pair. Trailing rows that cannot
// fill a batch are dropped.
func NewIterator(xs, ys *tensor.Dense, batchSize int) (*Iterator, error) {
	if xs == nil || ys == nil {
		return nil, errors.New("need both images and labels")
	}
	if xs.Shape()[0] != ys.Shape()[0] {
		return nil, errors.Errorf("%d images but %d label rows", xs.Shape()[0], ys.Shape()[0])
	}
	if batchSize < 1 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	if xs.Shape()[0] < batchSize {
		return nil, errors.Errorf("%d rows cannot fill a batch of %d", xs.Shape()[0], batchSize)
	}
	return &Iterator{xs: xs, ys: ys, batch: batchSize}, nil
}

// Batches reports how many batches one epoch yields.
func (it *Iterator) Batches() int { return it.xs.Shape()[0] / it.batch }

// BatchSize reports the size of every served batch.
func (it *Iterator) BatchSize() int { return it.batch }

// Next returns views over the next batch, or io.EOF once the epoch is done.
// The views alias the dataset, so Shuffle changes their contents.
func (it *Iterator) Next() (xs, ys *tensor.Dense, err error) {
	if it.next >= it.Batches() {
		return nil, nil, io.EOF
	}
	start := it.next * it.batch
	end := start + it.batch

	var s slicer
	xs = s.Slice(it.xs, sli(start, end))
	ys = s.Slice(it.ys, sli(start, end))
	if s.err != nil {
		return nil, nil, s.err
	}
	it.next++
	return xs, ys, nil
}

// Reset rewinds the iterator for another epoch.
func (it *Iterator) Reset() { it.next = 0 }

// Shuffle permutes the examples in place, images and label rows in lockstep.
func (it *Iterator) Shuffle(r *rand.Rand) error {
	return shuffleRows(r, it.xs, it.ys)
}

func shuffleRows(r *rand.Rand, xs, ys *tensor.Dense) (err error) {
	oriXs := xs.Shape().Clone()
	oriYs := ys.Shape().Clone()

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("%v %v", xs.Shape(), ys.Shape())
			panic(rec)
		}
	}()
	xs.Reshape(as2D(xs.Shape())...)
	ys.Reshape(as2D(ys.Shape())...)

	var matXs, matYs [][]float32
	if matXs, err = native.MatrixF32(xs); err != nil {
		return errors.Wrapf(err, "shuffle failed - xs")
	}
	if matYs, err = native.MatrixF32(ys); err != nil {
		return errors.Wrapf(err, "shuffle failed - ys")
	}

	cols := xs.Shape()[1]
	if ys.Shape()[1] > cols {
		cols = ys.Shape()[1]
	}
	tmp := make([]float32, cols)
	for i := range matXs {
		j := r.Intn(i + 1)

		rowI := matXs[i]
		rowJ := matXs[j]
		copy(tmp, rowI)
		copy(rowI, rowJ)
		copy(rowJ, tmp)

		yI := matYs[i]
		yJ := matYs[j]
		copy(tmp, yI)
		copy(yI, yJ)
		copy(yJ, tmp)
	}
	xs.Reshape(oriXs...)
	ys.Reshape(oriYs...)

	return nil
}

func as2D(s tensor.Shape) tensor.Shape {
	retVal := tensor.BorrowInts(2)
	retVal[0] = s[0]
	retVal[1] = s[1]
	for i := 2; i < len(s); i++ {
		retVal[1] *= s[i]
	}
	return retVal
}
