package queue

import (
	"bufio"
	"context"
	"encoding/json"
	baseerrors "errors"
	"io"

	"github.com/efficientgo/core/errors"
)

// Forward takes requests from q and writes them to w as JSON lines until the
// context ends, the queue is closed or a write fails. A request taken from q
// is lost if its write fails.
func Forward(ctx context.Context, q Queue, w io.Writer) error {
	enc := json.NewEncoder(w)
	for {
		req, err := q.Get(ctx)
		if err != nil {
			if baseerrors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(req); err != nil {
			return errors.Wrapf(err, "failed to forward request for %d MB", req.SizeMB)
		}
	}
}

// Feed reads JSON lines from r into q until r ends or the context is done.
func Feed(ctx context.Context, r io.Reader, q Queue) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req DiskRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return errors.Wrapf(err, "failed to decode request %q", line)
		}
		if err := q.Put(ctx, req); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to queue request")
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "failed to read requests")
	}
	return nil
}
