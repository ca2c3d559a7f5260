// Package mnist reads the MNIST handwritten digit dataset in its native IDX
// format and serves it as gorgonia ready tensors: images as normalized
// float32 image stacks, labels as one hot rows.
//
// Downloading and unpacking the files is the caller's business.
package mnist

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

const (
	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Rows and Cols describe the canonical MNIST image layout. The readers trust
// the file headers, so differently sized IDX files decode fine.
const (
	Rows = 28
	Cols = 28
)

// Classes is the width of every one hot label row.
const Classes = 10

// The conventional file names, as distributed.
const (
	trainImages = "train-images-idx3-ubyte"
	trainLabels = "train-labels-idx1-ubyte"
	testImages  = "t10k-images-idx3-ubyte"
	testLabels  = "t10k-labels-idx1-ubyte"
)

// validationRows is held out of the training files, when there are enough.
const validationRows = 5000

// ReadImages decodes an IDX image file into an (N, 1, rows, cols) tensor with
// the pixels scaled to [0, 1].
func ReadImages(r io.Reader) (*tensor.Dense, error) {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, errors.Wrap(err, "reading image magic")
	}
	if magic != imageMagic {
		return nil, errors.Errorf("not an IDX image file: magic 0x%08x, want 0x%08x", magic, imageMagic)
	}
	var counts [3]uint32 // images, rows, cols
	if err := binary.Read(r, binary.BigEndian, &counts); err != nil {
		return nil, errors.Wrap(err, "reading image counts")
	}
	n, rows, cols := int(counts[0]), int(counts[1]), int(counts[2])
	if n < 1 || rows < 1 || cols < 1 {
		return nil, errors.Errorf("degenerate image file: %d images of %d×%d", n, rows, cols)
	}
	pixels := make([]byte, n*rows*cols)
	if _, err := io.ReadFull(r, pixels); err != nil {
		return nil, errors.Wrapf(err, "reading %d %d×%d images", n, rows, cols)
	}
	backing := make([]float32, len(pixels))
	for i, p := range pixels {
		backing[i] = float32(p)
	}
	vecf32.Scale(backing, 1.0/255.0)
	return tensor.New(tensor.WithShape(n, 1, rows, cols), tensor.WithBacking(backing)), nil
}

// ReadLabels decodes an IDX label file into one hot rows, (N, Classes).
func ReadLabels(r io.Reader) (*tensor.Dense, error) {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, errors.Wrap(err, "reading label magic")
	}
	if magic != labelMagic {
		return nil, errors.Errorf("not an IDX label file: magic 0x%08x, want 0x%08x", magic, labelMagic)
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, errors.Wrap(err, "reading label count")
	}
	n := int(count)
	if n < 1 {
		return nil, errors.Errorf("degenerate label file: %d labels", n)
	}
	labels := make([]byte, n)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, errors.Wrapf(err, "reading %d labels", n)
	}
	backing := make([]float32, n*Classes)
	for i, l := range labels {
		if int(l) >= Classes {
			return nil, errors.Errorf("label %d out of range at row %d", l, i)
		}
		backing[i*Classes+int(l)] = 1
	}
	return tensor.New(tensor.WithShape(n, Classes), tensor.WithBacking(backing)), nil
}

// Dataset holds the conventional splits. The validation pair is nil when the
// training files were too small to hold anything out.
type Dataset struct {
	TrainXs, TrainYs *tensor.Dense
	ValidXs, ValidYs *tensor.Dense
	TestXs, TestYs   *tensor.Dense
}

// Load reads the four conventional MNIST files from dir. The last 5000
// training examples become the validation split.
func Load(dir string) (*Dataset, error) {
	trainXs, trainYs, err := loadPair(filepath.Join(dir, trainImages), filepath.Join(dir, trainLabels))
	if err != nil {
		return nil, err
	}
	testXs, testYs, err := loadPair(filepath.Join(dir, testImages), filepath.Join(dir, testLabels))
	if err != nil {
		return nil, err
	}
	d := &Dataset{
		TrainXs: trainXs,
		TrainYs: trainYs,
		TestXs:  testXs,
		TestYs:  testYs,
	}
	if keep := trainXs.Shape()[0] - validationRows; keep > 0 {
		if d.TrainXs, d.TrainYs, d.ValidXs, d.ValidYs, err = splitRows(trainXs, trainYs, keep); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func loadPair(imgPath, labelPath string) (xs, ys *tensor.Dense, err error) {
	imgFile, err := os.Open(imgPath)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	defer imgFile.Close()
	if xs, err = ReadImages(imgFile); err != nil {
		return nil, nil, errors.Wrapf(err, "%s", imgPath)
	}

	labelFile, err := os.Open(labelPath)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	defer labelFile.Close()
	if ys, err = ReadLabels(labelFile); err != nil {
		return nil, nil, errors.Wrapf(err, "%s", labelPath)
	}

	if xs.Shape()[0] != ys.Shape()[0] {
		return nil, nil, errors.Errorf("%d images but %d labels", xs.Shape()[0], ys.Shape()[0])
	}
	return xs, ys, nil
}

// splitRows cuts a pair after keep rows. The halves share the original
// backing.
func splitRows(xs, ys *tensor.Dense, keep int) (headXs, headYs, tailXs, tailYs *tensor.Dense, err error) {
	n := xs.Shape()[0]
	if keep < 1 || keep >= n {
		return nil, nil, nil, nil, errors.Errorf("cannot split %d rows at %d", n, keep)
	}
	xdata := xs.Data().([]float32)
	ydata := ys.Data().([]float32)
	rowX := len(xdata) / n
	rowY := len(ydata) / n

	headXs = tensor.New(tensor.WithShape(rowShape(xs.Shape(), keep)...), tensor.WithBacking(xdata[:keep*rowX]))
	headYs = tensor.New(tensor.WithShape(rowShape(ys.Shape(), keep)...), tensor.WithBacking(ydata[:keep*rowY]))
	tailXs = tensor.New(tensor.WithShape(rowShape(xs.Shape(), n-keep)...), tensor.WithBacking(xdata[keep*rowX:]))
	tailYs = tensor.New(tensor.WithShape(rowShape(ys.Shape(), n-keep)...), tensor.WithBacking(ydata[keep*rowY:]))
	return headXs, headYs, tailXs, tailYs, nil
}

func rowShape(s tensor.Shape, rows int) tensor.Shape {
	retVal := s.Clone()
	retVal[0] = rows
	return retVal
}
