package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/alanyoungcy/streambet/internal/domain"
)

// ResolutionArchiver implements domain.ResolutionArchive. Each resolution
// is written once as JSON under {prefix}/{market_id}.json; an existing
// receipt is never overwritten.
type ResolutionArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
}

// NewResolutionArchiver creates an archiver. An empty prefix means
// "resolutions".
func NewResolutionArchiver(writer domain.BlobWriter, reader domain.BlobReader, prefix string) *ResolutionArchiver {
	if prefix == "" {
		prefix = "resolutions"
	}
	return &ResolutionArchiver{writer: writer, reader: reader, prefix: prefix}
}

// ReceiptPath returns the object key for a market's receipt.
func (a *ResolutionArchiver) ReceiptPath(marketID string) string {
	return path.Join(a.prefix, marketID+".json")
}

// Archive stores res unless a receipt for the market already exists.
func (a *ResolutionArchiver) Archive(ctx context.Context, res domain.OracleResolution) error {
	key := a.ReceiptPath(res.MarketID)

	exists, err := a.reader.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("s3blob: archive %s: %w", res.MarketID, err)
	}
	if exists {
		return nil
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: archive %s: marshal: %w", res.MarketID, err)
	}
	if err := a.writer.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive %s: %w", res.MarketID, err)
	}
	return nil
}

// Load reads back a market's receipt.
func (a *ResolutionArchiver) Load(ctx context.Context, marketID string) (domain.OracleResolution, error) {
	body, err := a.reader.Get(ctx, a.ReceiptPath(marketID))
	if err != nil {
		return domain.OracleResolution{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return domain.OracleResolution{}, fmt.Errorf("s3blob: load %s: %w", marketID, err)
	}
	var res domain.OracleResolution
	if err := json.Unmarshal(data, &res); err != nil {
		return domain.OracleResolution{}, fmt.Errorf("s3blob: load %s: decode: %w", marketID, err)
	}
	return res, nil
}

var _ domain.ResolutionArchive = (*ResolutionArchiver)(nil)
