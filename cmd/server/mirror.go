package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"nanofab.ai/internal/persistence/r2s3"
)

// buildMirror returns nil unless NF_S3_MIRROR is on.
func buildMirror(dataDir string, logger *log.Logger) (*r2s3.Mirror, error) {
	if !envBool("NF_S3_MIRROR", false) {
		return nil, nil
	}
	cfg := r2s3.Config{
		Endpoint:        os.Getenv("NF_S3_ENDPOINT"),
		Bucket:          os.Getenv("NF_S3_BUCKET"),
		Region:          os.Getenv("NF_S3_REGION"),
		AccessKeyID:     os.Getenv("NF_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("NF_S3_SECRET_ACCESS_KEY"),
	}
	client, err := r2s3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("NF_S3_MIRROR=true: %w", err)
	}
	workers := envInt("NF_S3_UPLOAD_WORKERS", 2)
	return r2s3.NewMirror(client, dataDir, strings.TrimSpace(os.Getenv("NF_S3_PREFIX")), workers, 256, logger), nil
}

func writeMirrorMetrics(rw http.ResponseWriter, m *r2s3.Mirror) {
	if m == nil {
		return
	}
	s := m.Stats()
	fmt.Fprintf(rw, "# HELP nanofab_mirror_queue_depth Artifacts waiting for upload.\n")
	fmt.Fprintf(rw, "# TYPE nanofab_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "nanofab_mirror_queue_depth %d\n", s.Queued)

	fmt.Fprintf(rw, "# HELP nanofab_mirror_uploaded_total Artifacts uploaded.\n")
	fmt.Fprintf(rw, "# TYPE nanofab_mirror_uploaded_total counter\n")
	fmt.Fprintf(rw, "nanofab_mirror_uploaded_total %d\n", s.Uploaded)

	fmt.Fprintf(rw, "# HELP nanofab_mirror_failed_total Artifacts that failed to upload.\n")
	fmt.Fprintf(rw, "# TYPE nanofab_mirror_failed_total counter\n")
	fmt.Fprintf(rw, "nanofab_mirror_failed_total %d\n", s.Failed)

	fmt.Fprintf(rw, "# HELP nanofab_mirror_dropped_total Artifacts dropped on a full queue.\n")
	fmt.Fprintf(rw, "# TYPE nanofab_mirror_dropped_total counter\n")
	fmt.Fprintf(rw, "nanofab_mirror_dropped_total %d\n", s.Dropped)
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
