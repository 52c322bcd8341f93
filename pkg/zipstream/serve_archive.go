package zipstream

import (
	"net/http"
	"time"

	"github.com/buildbarn/bb-zipstream/pkg/clock"
	"github.com/buildbarn/bb-zipstream/pkg/util"
)

// SuggestedStreamingHeaders returns the HTTP response headers that
// make streaming ZIP downloads behave well behind common proxies:
// intermediate compression and buffering are disabled, as both are
// known to stall or corrupt long-running archive responses.
func SuggestedStreamingHeaders(now time.Time) http.Header {
	return http.Header{
		"Content-Type":      {"application/zip"},
		"Content-Encoding":  {"identity"},
		"X-Accel-Buffering": {"no"},
		"Last-Modified":     {now.UTC().Format(http.TimeFormat)},
	}
}

// ServeArchive streams an archive produced by the callback as an HTTP
// response. The suggested streaming headers are set before any body
// bytes are written and writes are instrumented and coalesced.
//
// Because the response status and headers have already been sent by
// the time the producer can fail, errors cannot be reported to the
// client; they are passed to errorLogger and the response is left
// truncated, which clients detect through the missing central
// directory.
func ServeArchive(w http.ResponseWriter, produce func(*Streamer) error, errorLogger util.ErrorLogger, clk clock.Clock) {
	for name, values := range SuggestedStreamingHeaders(clk.Now()) {
		w.Header()[name] = values
	}

	buffer := NewWriteBuffer(NewMetricsWriter(w, "ServeArchive"), DefaultWriteBufferSizeBytes)
	streamer, err := NewStreamer(buffer, nil)
	if err != nil {
		errorLogger.Log(util.StatusWrap(err, "Failed to create archive streamer"))
		return
	}
	if err := produce(streamer); err != nil {
		errorLogger.Log(util.StatusWrap(err, "Failed to produce archive"))
		return
	}
	if _, err := streamer.Close(); err != nil {
		errorLogger.Log(util.StatusWrap(err, "Failed to finalize archive"))
		return
	}
	if err := buffer.Flush(); err != nil {
		errorLogger.Log(util.StatusWrap(err, "Failed to flush archive output"))
	}
}
