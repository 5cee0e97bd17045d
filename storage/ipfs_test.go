package storage

import (
	"errors"
	"testing"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/spacestore/interfaces"
)

func TestClassifyIPFSError(t *testing.T) {
	tests := []struct {
		name       string
		contentID  string
		err        error
		wantIs     error
		wantPolicy interfaces.RetryPolicy
	}{
		{
			name:   "missing space directory",
			err:    &shell.Error{Command: "files/stat", Message: "file does not exist", Code: 0},
			wantIs: interfaces.ErrSpaceNotFound,
		},
		{
			name:      "missing content",
			contentID: "a.txt",
			err:       &shell.Error{Command: "files/read", Message: "no link named \"a.txt\" under QmX", Code: 0},
			wantIs:    interfaces.ErrContentNotFound,
		},
		{
			name:       "command error",
			err:        &shell.Error{Command: "files/mkdir", Message: "paths must start with a leading slash", Code: 1},
			wantPolicy: interfaces.NoRetry,
		},
		{
			name:       "node unreachable",
			err:        errors.New("dial tcp 127.0.0.1:5001: connect: connection refused"),
			wantPolicy: interfaces.Retry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertClassified(t, classifyIPFSError("op", "docs", tt.contentID, tt.err), tt.wantIs, tt.wantPolicy)
		})
	}
}
