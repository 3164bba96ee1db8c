package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/soltixdb/statesync/internal/codec"
	"github.com/soltixdb/statesync/internal/config"
	"github.com/soltixdb/statesync/internal/kvstore"
	"github.com/soltixdb/statesync/internal/models"
)

// Entry is one decoded snapshot row
type Entry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func main() {
	// Command line flags
	rootDir := flag.String("root", "./connectorStore", "Store root directory")
	store := flag.String("store", config.StoreNamePosition, "Store name (position, offset, config)")
	compressed := flag.Bool("compress", false, "Snapshot was written with compression enabled")
	format := flag.String("format", "json", "Output format (json, csv)")
	output := flag.String("output", "", "Output file (default: stdout)")

	flag.Parse()

	worker := config.WorkerConfig{StoreRootDir: *rootDir}

	var (
		entries []Entry
		err     error
	)
	switch *store {
	case config.StoreNamePosition:
		entries, err = readSnapshot(worker.PositionPath(), *compressed,
			codec.NewJSONCodec[models.PartitionKey](), codec.NewJSONCodec[models.Offset](), models.PartitionKey.String)
	case config.StoreNameOffset:
		entries, err = readSnapshot(worker.OffsetPath(), *compressed,
			codec.NewJSONCodec[models.PartitionKey](), codec.NewJSONCodec[models.Offset](), models.PartitionKey.String)
	case config.StoreNameConfig:
		entries, err = readSnapshot(worker.ConfigPath(), *compressed,
			codec.NewJSONCodec[string](), codec.NewJSONCodec[models.ConnectorConfig](), func(s string) string { return s })
	default:
		log.Fatalf("Error: unknown store '%s'. Expected position, offset or config\n", *store)
	}
	if err != nil {
		log.Fatalf("Error reading snapshot: %v\n", err)
	}

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("Error creating output file: %v\n", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(entries)
	case "csv":
		err = writeCSV(out, entries)
	default:
		log.Fatalf("Error: unknown format '%s'\n", *format)
	}
	if err != nil {
		log.Fatalf("Error writing output: %v\n", err)
	}

	fmt.Fprintf(os.Stderr, "Dumped %d entries from %s store\n", len(entries), *store)
}

// readSnapshot loads one snapshot file and renders its entries sorted by key
func readSnapshot[K comparable, V any](path string, compressed bool, keys codec.Codec[K], values codec.Codec[V], keyString func(K) string) ([]Entry, error) {
	var c codec.Codec[map[K]V] = codec.NewMapCodec(keys, values)
	if compressed {
		c = codec.NewSnappyCodec(c)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	store := kvstore.NewFileStore(path, c)
	if err := store.Load(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, store.Len())
	for key, value := range store.GetAll() {
		data, err := values.Encode(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value of %s: %w", keyString(key), err)
		}
		entries = append(entries, Entry{Key: keyString(key), Value: data})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

func writeCSV(out *os.File, entries []Entry) error {
	writer := csv.NewWriter(out)
	if err := writer.Write([]string{"key", "value"}); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writer.Write([]string{e.Key, string(e.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
