// Package shardserver implements the token-authorized HTTP shard-transfer
// endpoint: POST to upload a shard, GET to download one, both under
// /shards/{hash}. Uploads stream through a running SHA-256/RIPEMD-160
// integrity check so an oversized or corrupt shard never lands under its
// real name.
package shardserver

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // data_hash uses the same hash160 scheme as node ids

	"shardpeer/metrics"
	"shardpeer/storage"
	"shardpeer/token"
)

// Server exposes the shard upload/download HTTP endpoints.
type Server struct {
	store    storage.Store
	tokens   *token.Table
	log      *logrus.Entry
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

// New wires a shard server over store, authorizing requests against tokens.
func New(store storage.Store, tokens *token.Table, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{store: store, tokens: tokens, log: log.WithField("component", "shardserver")}
}

// SetMetrics attaches a metrics sink for uploaded/downloaded byte counters.
func (s *Server) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetGatherer points /metrics at the same registry metrics.New registered
// counters against — without this, promhttp would serve the process-wide
// default registry instead of the one this server's counters live on.
func (s *Server) SetGatherer(g prometheus.Gatherer) { s.gatherer = g }

// Router returns the mountable chi router for /shards/{hash}, with
// /metrics mounted alongside it.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Post("/shards/{hash}", s.handleUpload)
	r.Get("/shards/{hash}", s.handleDownload)
	gatherer := s.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func hashTracker() (io.Writer, func() string) {
	sha := sha256.New()
	return sha, func() string {
		d := sha.Sum(nil)
		r := ripemd160.New()
		r.Write(d)
		return hex.EncodeToString(r.Sum(nil))
	}
}

// countingWriter tees writes through an inner writer while counting bytes,
// used to enforce data_size without buffering the whole shard in memory.
type countingWriter struct {
	inner io.Writer
	n     int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.inner.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	tok := r.URL.Query().Get("token")

	entry, err := s.tokens.Authorize(tok, hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	item, err := s.store.Peek(hash)
	if err != nil {
		http.Error(w, "contract or shard missing", http.StatusNotFound)
		return
	}
	c, ok := item.Contract(entry.Contact.Identity)
	if !ok {
		http.Error(w, "contract missing", http.StatusNotFound)
		return
	}

	writer, err := s.store.CreateWriteStream(hash)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}

	sha, digest := hashTracker()
	counter := &countingWriter{inner: io.MultiWriter(sha, writer)}

	abort := func() {
		if a, ok := writer.(interface{ Abort() error }); ok {
			_ = a.Abort()
		} else {
			_ = writer.Close()
		}
	}

	_, copyErr := io.Copy(counter, io.LimitReader(r.Body, int64(c.DataSize)+1))
	if copyErr != nil {
		abort()
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	if counter.n > int64(c.DataSize) {
		abort()
		http.Error(w, "size exceeded", http.StatusBadRequest)
		return
	}
	if digest() != c.DataHash {
		abort()
		http.Error(w, "hash mismatch", http.StatusBadRequest)
		return
	}
	if err := writer.Close(); err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	if s.metrics != nil {
		s.metrics.BytesUploaded.Add(float64(counter.n))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	tok := r.URL.Query().Get("token")

	_, err := s.tokens.Authorize(tok, hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	_, reader, err := s.store.Get(hash)
	if err != nil || reader == nil {
		http.Error(w, "contract or shard missing", http.StatusNotFound)
		return
	}
	defer reader.Close()

	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, reader)
	if err != nil {
		s.log.WithError(err).WithField("hash", hash).Debug("download: client disconnected or reader failed")
	}
	if s.metrics != nil {
		s.metrics.BytesDownloaded.Add(float64(n))
	}
}
