package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"dip-leverage-bot/internal/marketdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func klineServer(t *testing.T, calls *int) *httptest.Server {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "1d", r.URL.Query().Get("interval"))
		w.Header().Set("Content-Type", "application/json")
		open := day.UnixMilli()
		second := day.AddDate(0, 0, 1).UnixMilli()
		fmt.Fprintf(w, `[
			[%d,"100.0","110.0","95.0","105.0","1",%d,"1",1,"1","1","0"],
			[%d,"105.0","108.0","90.0","92.5","1",%d,"1",1,"1","1","0"]
		]`, open, second-1, second, second+86400000-1)
	}))
}

func TestDownload(t *testing.T) {
	calls := 0
	srv := klineServer(t, &calls)
	defer srv.Close()

	store := marketdata.NewStore(t.TempDir(), "", false, nil)
	d := NewKlineDownloader(srv.URL, zap.NewNop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	n, err := d.Download(context.Background(), store, "BTCUSDT", start, start.AddDate(0, 0, 2), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, calls)

	_, err = os.Stat(store.Path("BTCUSDT"))
	require.NoError(t, err)

	bars, err := store.Bars("BTCUSDT")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, start, bars[0].Date)
	assert.Equal(t, 110.0, bars[0].High)
	assert.Equal(t, 92.5, bars[1].Price)

	// cached file short-circuits the second call
	n, err = d.Download(context.Background(), store, "BTCUSDT", start, start.AddDate(0, 0, 2), false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
}
