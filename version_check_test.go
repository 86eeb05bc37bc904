package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		latest, current string
		want            bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v2.0.0", "1.9.0", true},
		{"1.1.0", "1.1.0", false},
		{"1.0.0", "1.1.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.latest+">"+tt.current, func(t *testing.T) {
			assert.Equal(t, tt.want, isNewerVersion(tt.latest, tt.current))
		})
	}
}

func TestVersionCheckUsesETag(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"tag_name":"v9.9.9","draft":false,"prerelease":false}`))
	}))
	defer srv.Close()

	vc := newVersionChecker(srv.URL)
	assert.True(t, vc.check())
	assert.Equal(t, "9.9.9", vc.Info().Latest)
	assert.True(t, vc.check())
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "9.9.9", vc.Info().Latest)
}

func TestVersionCheckSkipsPrerelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v10.0.0-rc1","prerelease":true}`))
	}))
	defer srv.Close()

	vc := newVersionChecker(srv.URL)
	assert.True(t, vc.check())
	assert.Empty(t, vc.Info().Latest)
	assert.False(t, vc.Info().UpdateAvail)
}
