package output

import (
	"fmt"
	"io"

	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/reconcile"
)

// PrintDelete reports a delete result. A partial remote failure is printed as a warning
// and not returned, since the local delete already happened.
func PrintDelete(w io.Writer, format, what string, res reconcile.DeleteResult, err error) error {
	if err != nil && !errors.Is(err, errors.ErrPartialRemoteDelete) {
		return err
	}
	if format == "json" {
		return Print(w, format, res, Table{})
	}

	remote := "deleted"
	switch {
	case res.RemoteSkipped:
		remote = "no remote project"
	case !res.RemoteDeleted:
		remote = "FAILED, remote data may remain"
	}
	fmt.Fprintf(w, "%s deleted: local=%t remote=%s remote_images=%d files=%d\n",
		what, res.LocalDeleted, remote, res.RemoteImagesDeleted, res.FilesRemoved)
	if err != nil {
		fmt.Fprintf(w, "warning: %v\n", err)
	}
	return nil
}
