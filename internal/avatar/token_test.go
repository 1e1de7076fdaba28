package avatar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/squidgy/internal/reliability"
)

func TestHTTPTokenProvider(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{name: "ok", status: http.StatusOK, body: `{"token":"abc"}`, want: "abc"},
		{name: "server error", status: http.StatusInternalServerError, body: "down", wantErr: true},
		{name: "empty token", status: http.StatusOK, body: `{"token":"  "}`, wantErr: true},
		{name: "not json", status: http.StatusOK, body: "<html>", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := NewHTTPTokenProvider(srv.URL, srv.Client()).Token(context.Background())
			if tt.wantErr {
				require.ErrorIs(t, err, reliability.ErrTokenUnavailable)
				assert.Equal(t, reliability.KindAPIError, reliability.Classify(err).Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
