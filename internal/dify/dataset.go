package dify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Dataset is one entry of the dataset listing.
type Dataset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DatasetInfo carries the dataset metadata that steers uploads.
type DatasetInfo struct {
	ID                string
	Name              string
	DocForm           string
	RuntimeMode       string
	IndexingTechnique string
}

type datasetPage struct {
	Data    []Dataset `json:"data"`
	HasMore bool      `json:"has_more"`
}

// datasetDetail mirrors the dataset detail response. Some deployments wrap
// the object in a "data" envelope, so the shape is recursive.
type datasetDetail struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	DocForm           string         `json:"doc_form"`
	RuntimeMode       string         `json:"runtime_mode"`
	IndexingTechnique string         `json:"indexing_technique"`
	Data              *datasetDetail `json:"data"`
}

// ListDatasets returns every dataset visible to the API key, walking the
// listing pages until the service reports no more.
func (c *Client) ListDatasets(ctx context.Context) ([]Dataset, error) {
	key, err := validateKey(c.cfg.APIKey)
	if err != nil {
		return nil, err
	}

	var datasets []Dataset

	for page := 1; ; page++ {
		body, err := c.fetchDatasetPage(ctx, key, page, pageSize)
		if err != nil {
			return nil, err
		}

		datasets = append(datasets, body.Data...)

		if !body.HasMore || len(body.Data) == 0 {
			break
		}
	}

	return datasets, nil
}

func (c *Client) fetchDatasetPage(ctx context.Context, key string, page, limit int) (datasetPage, error) {
	var body datasetPage

	rawURL := fmt.Sprintf("%s/datasets?page=%d&limit=%d", c.baseURL, page, limit)
	if err := c.getJSON(ctx, key, rawURL, "list datasets", listRequestTimeout, &body); err != nil {
		return datasetPage{}, err
	}

	return body, nil
}

// FindDataset locates the configured dataset by exact name. Datasets are
// never created here: ingesting into a missing dataset is an operator error,
// not something to paper over with an empty knowledge base.
func (c *Client) FindDataset(ctx context.Context) (Dataset, error) {
	name := strings.TrimSpace(c.cfg.DatasetName)
	if name == "" {
		return Dataset{}, fmt.Errorf("%w: no dataset name configured", ErrDatasetNotFound)
	}

	datasets, err := c.ListDatasets(ctx)
	if err != nil {
		return Dataset{}, err
	}

	for _, d := range datasets {
		if d.Name == name {
			c.logger.Info("using dataset",
				slog.String("name", d.Name),
				slog.String("dataset_id", d.ID))

			return d, nil
		}
	}

	return Dataset{}, fmt.Errorf("%w: %q is not among the %d visible datasets, create it in the Dify console first",
		ErrDatasetNotFound, name, len(datasets))
}

// GetDatasetInfo fetches the dataset metadata. Callers that can continue
// without it should treat a failure as an empty DatasetInfo.
func (c *Client) GetDatasetInfo(ctx context.Context, datasetID string) (DatasetInfo, error) {
	key, err := validateKey(c.cfg.APIKey)
	if err != nil {
		return DatasetInfo{}, err
	}

	var body datasetDetail

	rawURL := c.baseURL + "/datasets/" + datasetID
	if err := c.getJSON(ctx, key, rawURL, "fetch dataset detail", listRequestTimeout, &body); err != nil {
		return DatasetInfo{}, err
	}

	detail := body
	if body.Data != nil {
		detail = *body.Data
	}

	info := DatasetInfo{
		ID:                strings.TrimSpace(detail.ID),
		Name:              strings.TrimSpace(detail.Name),
		DocForm:           strings.TrimSpace(detail.DocForm),
		RuntimeMode:       strings.TrimSpace(detail.RuntimeMode),
		IndexingTechnique: strings.TrimSpace(detail.IndexingTechnique),
	}

	if info.ID == "" {
		info.ID = datasetID
	}

	c.logger.Debug("dataset detail",
		slog.String("dataset_id", info.ID),
		slog.String("doc_form", info.DocForm),
		slog.String("runtime_mode", info.RuntimeMode))

	return info, nil
}

// docNamePrefixRe extracts the bracketed item key that every ingested
// document name starts with.
var docNamePrefixRe = regexp.MustCompile(`^\[([^\]]+)\]`)

// NameIndex summarizes the documents already present in a dataset. Names
// are NFC-normalized so comparisons survive the Unicode round trip through
// the service.
type NameIndex struct {
	// Total is the document count reported by the listing.
	Total int

	// Names holds the normalized document names.
	Names map[string]bool

	// ItemKeys holds the base item keys parsed from name prefixes.
	ItemKeys map[string]bool
}

// HasName reports whether a document with the given name already exists.
func (x NameIndex) HasName(name string) bool {
	return x.Names[normalizeDocName(name)]
}

// HasItemKey reports whether any document carries the given base item key.
func (x NameIndex) HasItemKey(key string) bool {
	return x.ItemKeys[key]
}

// FetchNameIndex walks the dataset's document listing and builds the name
// index used for skip decisions and ledger reconciliation.
func (c *Client) FetchNameIndex(ctx context.Context, datasetID string) (NameIndex, error) {
	key, err := validateKey(c.cfg.APIKey)
	if err != nil {
		return NameIndex{}, err
	}

	index := NameIndex{
		Names:    make(map[string]bool),
		ItemKeys: make(map[string]bool),
	}

	for page := 1; ; page++ {
		var body struct {
			Data []struct {
				Name string `json:"name"`
			} `json:"data"`
			HasMore bool `json:"has_more"`
			Total   int  `json:"total"`
		}

		rawURL := fmt.Sprintf("%s/datasets/%s/documents?page=%d&limit=%d", c.baseURL, datasetID, page, pageSize)
		if err := c.getJSON(ctx, key, rawURL, "list documents", listRequestTimeout, &body); err != nil {
			return NameIndex{}, err
		}

		if body.Total > 0 {
			index.Total = body.Total
		}

		for _, d := range body.Data {
			name := normalizeDocName(d.Name)
			if name == "" {
				continue
			}

			index.Names[name] = true

			if itemKey := itemKeyFromDocName(name); itemKey != "" {
				index.ItemKeys[itemKey] = true
			}
		}

		if !body.HasMore || len(body.Data) == 0 {
			break
		}
	}

	if index.Total == 0 {
		index.Total = len(index.Names)
	}

	c.logger.Info("remote document index",
		slog.String("dataset_id", datasetID),
		slog.Int("total", index.Total),
		slog.Int("names", len(index.Names)),
		slog.Int("item_keys", len(index.ItemKeys)))

	return index, nil
}

func normalizeDocName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// itemKeyFromDocName parses the "[item_key]" prefix out of a document name
// and reduces partition child keys to their base key.
func itemKeyFromDocName(name string) string {
	m := docNamePrefixRe.FindStringSubmatch(name)
	if m == nil {
		return ""
	}

	key := m[1]
	if i := strings.IndexByte(key, '#'); i >= 0 {
		key = key[:i]
	}

	return strings.TrimSpace(key)
}
