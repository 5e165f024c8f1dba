package manager

import (
	"io"

	"github.com/vinequeue/manager/pkg/txlog"
)

// txWriter is the manager's handle on the transaction log: a thin
// rename of txlog.Writer so txLogCloser (which also owns the backing
// file) can embed it directly and promote its Task/Worker/Category/
// Manager methods.
type txWriter struct {
	*txlog.Writer
}

func newTxWriter(w io.Writer) *txWriter {
	return &txWriter{Writer: txlog.New(w)}
}
