package docs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	gdocs "google.golang.org/api/docs/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrNotWritable is returned by VerifyWritable when the document cannot be edited.
var ErrNotWritable = errors.New("document is not writable")

// emptyInsertMessage is how the API rejects an insert of empty text. Seeing it
// proves the request got past the permission check.
const emptyInsertMessage = "Insert text requests must specify text to insert."

// Appender inserts text at the end of a document's body. It is not idempotent.
type Appender struct {
	service    *gdocs.Service
	documentID string
	timeout    time.Duration
}

// NewAppender creates an appender for documentID. timeout bounds each remote
// call; zero means no bound. opts usually carries option.WithHTTPClient from
// Authorize.
func NewAppender(ctx context.Context, documentID string, timeout time.Duration, opts ...option.ClientOption) (*Appender, error) {
	svc, err := gdocs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create docs service: %w", err)
	}
	return &Appender{service: svc, documentID: documentID, timeout: timeout}, nil
}

// Append inserts text at the end of the document. Empty text is a no-op.
func (a *Appender) Append(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return a.insert(ctx, text)
}

// VerifyWritable checks write permission by inserting empty text. The API has
// no permission query, but it validates access before rejecting the empty insert.
func (a *Appender) VerifyWritable(ctx context.Context) error {
	err := a.insert(ctx, "")
	if err == nil || strings.Contains(errorMessage(err), emptyInsertMessage) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotWritable, err)
}

func (a *Appender) insert(ctx context.Context, text string) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req := &gdocs.BatchUpdateDocumentRequest{
		Requests: []*gdocs.Request{{
			InsertText: &gdocs.InsertTextRequest{
				Text:                 text,
				EndOfSegmentLocation: &gdocs.EndOfSegmentLocation{SegmentId: ""},
				ForceSendFields:      []string{"Text"},
			},
		}},
	}
	_, err := a.service.Documents.BatchUpdate(a.documentID, req).Context(ctx).Do()
	return err
}

func errorMessage(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Message != "" {
		return gerr.Message
	}
	return err.Error()
}

// StdoutAppender writes appended text to a writer instead of a document.
// Used for dry runs.
type StdoutAppender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdoutAppender returns an appender writing to w.
func NewStdoutAppender(w io.Writer) *StdoutAppender {
	return &StdoutAppender{w: w}
}

// Append writes text as-is.
func (s *StdoutAppender) Append(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, text)
	return err
}
