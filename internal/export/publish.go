package export

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"sheetcore/internal/artifact"
	"sheetcore/internal/clock"
	sheeterr "sheetcore/internal/errors"
	"sheetcore/internal/logging"
	"sheetcore/internal/metrics"
)

// ContentTypePDF is the media type of assembled documents.
const ContentTypePDF = "application/pdf"

// Publisher stores assembled documents in the artifact store under
// exports/<owner>/<timestamp>-<name>.pdf.
type Publisher struct {
	Store   artifact.Store
	Owner   string
	Clock   clock.Clock
	Expiry  time.Duration
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

// Key returns the artifact key for a document named name created at ts.
func (p *Publisher) Key(name string, ts time.Time) string {
	owner := slug(p.Owner)
	if owner == "" {
		owner = "anonymous"
	}
	base := slug(name)
	if base == "" {
		base = "export"
	}
	return fmt.Sprintf("exports/%s/%s-%s.pdf", owner, ts.UTC().Format("20060102T150405Z"), base)
}

// Publish stores res and returns its info. URL is set when the driver can
// presign downloads.
func (p *Publisher) Publish(ctx context.Context, name string, res *Result) (info artifact.Info, err error) {
	rec := metrics.OrNop(p.Metrics)
	defer metrics.Since(ctx, rec, metrics.OpArtifactPublish, time.Now(), &err)
	if res == nil || len(res.PDF) == 0 {
		return artifact.Info{}, sheeterr.NewValidationError("publish", "document", sheeterr.ErrEmptyExport)
	}
	ts := res.Created
	if ts.IsZero() {
		c := p.Clock
		if c == nil {
			c = clock.Real()
		}
		ts = c.Now()
	}
	failed := 0
	for _, pr := range res.Pages {
		if pr.Status == StatusFailed {
			failed++
		}
	}
	key := p.Key(name, ts)
	info, err = p.Store.Put(ctx, key, bytes.NewReader(res.PDF), artifact.PutOptions{
		ContentType: ContentTypePDF,
		Metadata: map[string]string{
			"owner":  p.Owner,
			"pages":  fmt.Sprint(res.Succeeded()),
			"failed": fmt.Sprint(failed),
		},
	})
	if err != nil {
		return artifact.Info{}, fmt.Errorf("publish %s: %w", key, err)
	}
	url, err := p.Store.PresignURL(ctx, key, artifact.SignedURLOptions{Method: "GET", Expiry: p.Expiry})
	switch {
	case err == nil:
		info.URL = url
	case sheeterr.Is(err, artifact.ErrUnsupported):
		err = nil
	default:
		return info, fmt.Errorf("presign %s: %w", key, err)
	}
	logging.OrNop(p.Logger).WithComponent("export").Info("document published", "key", key, "driver", string(p.Store.Driver()), "bytes", info.Size)
	return info, nil
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
