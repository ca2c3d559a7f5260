package main

import (
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/gorgonia/abcnet"
	"github.com/gorgonia/abcnet/convnet"
	"github.com/gorgonia/abcnet/encoding/filterviz"
	"github.com/gorgonia/abcnet/encoding/mjpeg"
	"github.com/gorgonia/abcnet/mnist"
	"gorgonia.org/tensor"

	_ "net/http/pprof"
)

// teeEncoder fans frames out to every configured sink.
type teeEncoder []abcnet.BankEncoder

func (t teeEncoder) Encode(bank *tensor.Dense, m int, alphas []float32, caption string) error {
	for _, enc := range t {
		if err := enc.Encode(bank, m, alphas, caption); err != nil {
			return err
		}
	}
	return nil
}

func (t teeEncoder) Flush() error {
	for _, enc := range t {
		if err := enc.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	dataDir := flag.String("data", "mnist", "directory with the uncompressed MNIST idx files")
	pretrain := flag.Int("pretrain", 3, "full precision epochs before the transfer")
	epochs := flag.Int("epochs", 10, "binarized epochs after the transfer")
	m := flag.Int("m", 5, "binary bases of the filter bank")
	k := flag.Int("k", 3, "activation binarization branches")
	alphaSteps := flag.Int("alphasteps", 200, "descent steps per coefficient refit")
	batchSize := flag.Int("batch", 100, "batch size")
	tune := flag.Bool("tune", false, "fine tune the filter banks during binarized training")
	load := flag.String("load", "", "load a saved model and only evaluate")
	save := flag.String("save", "abc.model", "where to save the trained model")
	hist := flag.String("hist", "history.csv", "where to dump the training history")
	dot := flag.String("dot", "", "write the architecture as graphviz dot to this file and exit")
	viz := flag.String("viz", "", "write the evolving bank as an animated gif to this file")
	serve := flag.String("serve", "", "stream the evolving bank as mjpeg on this address, e.g. :8080")
	flag.Parse()

	conf := abcnet.DefaultConfig()
	conf.PretrainEpochs = *pretrain
	conf.TrainEpochs = *epochs
	conf.M = *m
	conf.K = *k
	conf.AlphaSteps = *alphaSteps
	conf.BatchSize = *batchSize
	conf.TuneFilters = *tune
	conf.DataDir = *dataDir

	if *dot != "" {
		d, err := convnet.NewABCNet(conf.Config, nil).ToDot()
		if err != nil {
			log.Fatalf("%+v", err)
		}
		if err := os.WriteFile(*dot, []byte(d), 0644); err != nil {
			log.Fatal(err)
		}
		return
	}

	var sinks teeEncoder
	if *viz != "" {
		f, err := os.Create(*viz)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		sinks = append(sinks, filterviz.NewEncoder(f))
	}
	if *serve != "" {
		stream := mjpeg.NewEncoder(1080, 1920)
		mux := http.NewServeMux()
		mux.Handle("/bank", stream)
		go func() {
			log.Printf("watching the bank on http://localhost%s/bank", *serve)
			if err := http.ListenAndServe(*serve, mux); err != nil {
				log.Printf("mjpeg server: %v", err)
			}
		}()
		sinks = append(sinks, stream)
	}
	if len(sinks) > 0 {
		conf.BankEncoder = sinks
	}

	e, err := abcnet.New(conf)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	defer e.Close()

	d, err := mnist.Load(conf.DataDir)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	log.Printf("loaded %d training, %d test rows from %s", d.TrainXs.Shape()[0], d.TestXs.Shape()[0], conf.DataDir)

	if *load != "" {
		if err := e.Load(*load); err != nil {
			log.Fatalf("%+v", err)
		}
	} else {
		if err := e.Pretrain(d); err != nil {
			log.Fatalf("%+v", err)
		}
		if err := e.Transfer(); err != nil {
			log.Fatalf("%+v", err)
		}
		if err := e.TrainABC(d); err != nil {
			log.Fatalf("%+v", err)
		}
		if len(sinks) > 0 {
			if err := sinks.Flush(); err != nil {
				log.Printf("flushing the bank frames: %v", err)
			}
		}
		if *save != "" {
			if err := e.Save(*save); err != nil {
				log.Fatalf("%+v", err)
			}
		}
		if *hist != "" {
			if err := e.Dump(*hist); err != nil {
				log.Fatalf("%+v", err)
			}
		}
	}

	it, err := mnist.NewIterator(d.TestXs, d.TestYs, conf.BatchSize)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	acc, err := e.Evaluate(it)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	log.Printf("test accuracy: %.4f", acc)
}
