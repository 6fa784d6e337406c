package httpd

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"
)

type SigConfig struct {
	Secret        string
	MaxAgeSeconds int64
}

// SignatureMiddleware authenticates merchant API and orchestrator callback
// requests: hex HMAC-SHA256 over body + "." + timestamp, with a bounded
// timestamp age to stop replays.
func SignatureMiddleware(cfg SigConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				ts := r.Header.Get("X-Timestamp")
				sig := r.Header.Get("X-Signature")

				if ts == "" || sig == "" {
					writeJSON(w, http.StatusUnauthorized, errResp{Error: "missing signature headers"})
					return
				}

				tsInt, err := strconv.ParseInt(ts, 10, 64)
				if err != nil {
					writeJSON(w, http.StatusUnauthorized, errResp{Error: "invalid timestamp"})
					return
				}

				now := time.Now().Unix()
				if cfg.MaxAgeSeconds > 0 && (now-tsInt) > cfg.MaxAgeSeconds {
					writeJSON(w, http.StatusUnauthorized, errResp{Error: "signature expired"})
					return
				}

				bodyBytes, err := io.ReadAll(r.Body)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, errResp{Error: "read body error"})
					return
				}

				r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

				mac := hmac.New(sha256.New, []byte(cfg.Secret))
				mac.Write(bodyBytes)
				mac.Write([]byte("." + ts))
				expected := hex.EncodeToString(mac.Sum(nil))
				if !hmac.Equal([]byte(expected), []byte(sig)) {
					writeJSON(w, http.StatusUnauthorized, errResp{Error: "invalid signature"})
					return
				}
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
