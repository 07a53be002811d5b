package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jadechjin/zotero-mineru-dify/internal/zotero"
)

// collectionLister is the subset of the bridge client the picker needs.
type collectionLister interface {
	ListCollections(ctx context.Context, mode string, pageSize int) ([]zotero.Collection, error)
}

// pickCollections renders a depth-indented collection menu on out and reads
// one comma-separated selection from in. "0", a blank line, or EOF selects
// the whole library.
func pickCollections(ctx context.Context, client collectionLister, pageSize int, in io.Reader, out io.Writer) ([]string, error) {
	collections, err := client.ListCollections(ctx, "complete", pageSize)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	if len(collections) == 0 {
		fmt.Fprintln(out, "No collections found, ingesting the whole library.")

		return nil, nil
	}

	fmt.Fprintln(out, "Collections:")
	fmt.Fprintln(out, "   0) whole library")

	for i, col := range collections {
		fmt.Fprintf(out, "  %2d) %s%s\n", i+1, strings.Repeat("  ", col.Depth), col.Name)
	}

	fmt.Fprint(out, "Select collections (comma-separated numbers, 0 for all): ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "No selection, ingesting the whole library.")

		return nil, nil
	}

	return parseSelection(scanner.Text(), collections)
}

// parseSelection maps menu numbers back to collection keys. A 0 anywhere in
// the selection means the whole library.
func parseSelection(line string, collections []zotero.Collection) ([]string, error) {
	var keys []string

	for _, raw := range strings.Split(line, ",") {
		field := strings.TrimSpace(raw)
		if field == "" {
			continue
		}

		n, err := strconv.Atoi(field)
		if err != nil || n < 0 || n > len(collections) {
			return nil, fmt.Errorf("invalid selection %q", field)
		}

		if n == 0 {
			return nil, nil
		}

		keys = append(keys, collections[n-1].Key)
	}

	return keys, nil
}
