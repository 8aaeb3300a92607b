package transport_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrin/jobsync/internal/canon"
	"github.com/corrin/jobsync/internal/delta"
	"github.com/corrin/jobsync/internal/refserver"
	"github.com/corrin/jobsync/internal/transport"
)

func newClient(t *testing.T) (*transport.HTTPClient, *refserver.Server) {
	t.Helper()
	s := refserver.New(refserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	hs := httptest.NewServer(s)
	t.Cleanup(hs.Close)
	return transport.NewHTTPClient(hs.URL+"/resources/", hs.Client()), s
}

func saveRequest(t *testing.T, token string) transport.Request {
	t.Helper()
	env, err := delta.Build(delta.Input{
		ResourceID:   "job-123",
		Before:       map[string]any{"name": "Old"},
		After:        map[string]any{"name": "New"},
		Fields:       []string{"name"},
		VersionToken: token,
	})
	require.NoError(t, err)
	return transport.Request{
		ResourceID:   "job-123",
		Patch:        map[string]any{"name": "New"},
		Envelope:     env,
		VersionToken: token,
	}
}

func TestHTTPClientLoad(t *testing.T) {
	c, s := newClient(t)
	s.Seed("job-123", map[string]any{"name": "Old"})

	fields, token, err := c.Load(context.Background(), "job-123")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Old"}, fields)
	assert.Equal(t, "v1", token)
}

func TestHTTPClientLoadMissing(t *testing.T) {
	c, _ := newClient(t)
	_, _, err := c.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, transport.IsValidation(err))
}

func TestHTTPClientSave(t *testing.T) {
	c, s := newClient(t)
	s.Seed("job-123", map[string]any{"name": "Old", "status": "draft"})

	req := saveRequest(t, "v1")
	assert.Equal(t, canon.MustChecksum("job-123", map[string]any{"name": "Old"}, nil), req.Envelope.BeforeChecksum)

	resp, err := c.Save(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "v2", resp.VersionToken)
	assert.Equal(t, map[string]any{"name": "New", "status": "draft"}, resp.Fields)
}

func TestHTTPClientSaveClassifiesFailures(t *testing.T) {
	tests := []struct {
		name  string
		token string
		setup func(s *refserver.Server)
		want  transport.Kind
	}{
		{name: "stale token", token: "v9", want: transport.KindConflict},
		{name: "missing token", token: "", want: transport.KindMissingVersion},
		{
			name:  "checksum mismatch",
			token: "v2",
			setup: func(s *refserver.Server) { s.Mutate("job-123", map[string]any{"name": "Theirs"}) },
			want:  transport.KindConflict,
		},
		{
			name:  "server error",
			token: "v1",
			setup: func(s *refserver.Server) { s.FailNext(http.StatusInternalServerError) },
			want:  transport.KindTransient,
		},
		{
			name:  "validation",
			token: "v1",
			setup: func(s *refserver.Server) { s.FailNext(http.StatusUnprocessableEntity) },
			want:  transport.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s := newClient(t)
			s.Seed("job-123", map[string]any{"name": "Old"})
			if tt.setup != nil {
				tt.setup(s)
			}

			_, err := c.Save(context.Background(), saveRequest(t, tt.token))
			require.Error(t, err)
			assert.Equal(t, tt.want, transport.Classify(err))

			var te *transport.Error
			require.ErrorAs(t, err, &te)
			assert.NotEmpty(t, te.Message)
		})
	}
}

func TestHTTPClientSaveWithoutEnvelope(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.Save(context.Background(), transport.Request{ResourceID: "job-123"})
	assert.True(t, transport.IsValidation(err))
}

func TestHTTPClientUnreachableIsTransient(t *testing.T) {
	hs := httptest.NewServer(http.NotFoundHandler())
	url := hs.URL
	hs.Close()

	c := transport.NewHTTPClient(url, nil)
	_, err := c.Save(context.Background(), saveRequest(t, "v1"))
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
}
