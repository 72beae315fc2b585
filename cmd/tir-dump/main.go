package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/felixriese/thermal-image-processing/internal/container"
	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/processing"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to a .tmv or .tlc container")
		limit = flag.Int("limit", 5, "Number of frames or records to dump, 0 for all")
		raw   = flag.Bool("raw", false, "Dump the CBOR records of a timelapse container as JSON")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	if *raw {
		if err := dumpRecords(*path, *limit); err != nil {
			log.Printf("dump records: %v", err)
			os.Exit(types.ExitCode(err))
		}
		return
	}
	if err := dumpFrames(*path, *limit); err != nil {
		log.Printf("dump frames: %v", err)
		os.Exit(types.ExitCode(err))
	}
}

func dumpFrames(path string, limit int) error {
	r, err := container.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	header := r.Header()
	pretty, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))

	count := 0
	for limit <= 0 || count < limit {
		rawFrame, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		frame, err := processing.ProcessRawFrame(rawFrame, header.Calibration)
		if err != nil {
			return err
		}
		stat := processing.ZoneStats(frame, processing.FullMask("frame", frame.Width, frame.Height))
		fmt.Printf("frame %d timestamp=%s min=%.2f max=%.2f mean=%.2f\n",
			frame.Index, output.FormatTimestamp(frame.Timestamp), stat.Min, stat.Max, stat.Mean)
		count++
	}
	fmt.Printf("summary: declared=%d dumped=%d\n", header.FrameCount, count)
	return nil
}

func dumpRecords(path string, limit int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := cbor.NewDecoder(f)
	for count := 0; limit <= 0 || count < limit; count++ {
		var decoded any
		if err := dec.Decode(&decoded); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return types.NewDecodeError(path, count, "CBOR decode error: %v", err)
		}

		normalized := output.NormalizeJSONValue(decoded)
		pretty, err := json.MarshalIndent(normalized, "", "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count, err)
			continue
		}
		log.Printf("record %d offset=%d", count, dec.NumBytesRead())
		fmt.Println(string(pretty))
	}
	return nil
}
