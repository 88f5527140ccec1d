// internal/worker/dlq.go
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"syncmon/internal/metrics"
)

const metaSuffix = ".meta.json"

// ErrDLQFull 은 가장 오래된 파일을 지워도 공간이 모자라 배치를 버렸을 때 반환된다.
var ErrDLQFull = errors.New("dlq full")

// DLQOptions
type DLQOptions struct {
	Dir       string
	MaxAge    time.Duration // 파일명 unix prefix 기준 TTL (0 이면 무제한)
	MaxSize   int64         // data 파일 총 용량 (0 이면 무제한)
	RawPrefix string        // 재업로드 시 유효한 배치가 가는 prefix
	DLQPrefix string        // 깨진 배치가 가는 prefix
}

// DLQ
// ------------------------------------------------------------
// S3 업로드에 실패한 archive 배치를 로컬 디스크에 보관하고
// 이후 가장 오래된 파일부터 재업로드한다.
//
//	<dir>/<unix>_<instance>_<counter>.jsonl.gz
//	<dir>/<unix>_<instance>_<counter>.jsonl.gz.meta.json   {"num_events": N}
//
// 재업로드 전 gzip 을 풀어 첫 줄이 JSON 인지 확인하고,
// 유효하면 RawPrefix, 아니면 DLQPrefix 로 보낸다.
type DLQ struct {
	opts     DLQOptions
	uploader Uploader
	keys     *keyBuilder
	tc       *TimeCache
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu        sync.Mutex // 디렉토리 조작 직렬화
	sizeBytes int64
	files     int64
}

// NewDLQ 는 디렉토리를 만들고 기존 파일을 스캔해 용량 / 파일 수를 복원한다.
// data 없이 남은 meta 파일은 정리한다.
func NewDLQ(opts DLQOptions, uploader Uploader, keys *keyBuilder, tc *TimeCache, m *metrics.Metrics, log zerolog.Logger) (*DLQ, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}

	d := &DLQ{
		opts:     opts,
		uploader: uploader,
		keys:     keys,
		tc:       tc,
		metrics:  m,
		log:      log,
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan dlq dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(opts.Dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(opts.Dir, name))
			}
			continue
		}
		if info, err := e.Info(); err == nil {
			d.sizeBytes += info.Size()
			d.files++
		}
	}
	d.publish()

	if d.files > 0 {
		log.Info().Int64("files", d.files).Int64("bytes", d.sizeBytes).Msg("dlq restored")
	}
	return d, nil
}

// Save 는 업로드 실패 배치를 저장한다. 용량이 모자라면 오래된 파일부터 지운다.
func (d *DLQ) Save(data []byte, numEvents int) error {
	if len(data) == 0 || numEvents <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	size := int64(len(data))
	if !d.ensureCapacityLocked(size) {
		d.metrics.DLQEventsDropped.Add(float64(numEvents))
		d.log.Error().Int64("bytes", size).Int("events", numEvents).Msg("dlq full, dropping archive batch")
		return ErrDLQFull
	}

	name := d.keys.filename()
	dataPath := filepath.Join(d.opts.Dir, name)

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("write dlq file: %w", err)
	}
	meta := []byte(fmt.Sprintf(`{"num_events":%d}`, numEvents))
	if err := os.WriteFile(dataPath+metaSuffix, meta, 0o600); err != nil {
		d.log.Warn().Err(err).Str("file", name).Msg("dlq meta write failed")
	}

	d.sizeBytes += size
	d.files++
	d.publish()
	d.metrics.DLQEventsEnqueued.Add(float64(numEvents))
	return nil
}

func (d *DLQ) ensureCapacityLocked(incoming int64) bool {
	if d.opts.MaxSize <= 0 {
		return true
	}
	if incoming > d.opts.MaxSize {
		return false
	}

	for d.sizeBytes+incoming > d.opts.MaxSize {
		oldest := d.oldestLocked()
		if oldest == "" {
			return false
		}
		d.removeLocked(oldest)
		d.metrics.DLQFilesExpired.Inc()
		d.log.Warn().Str("file", oldest).Msg("dlq capacity exceeded, removed oldest file")
	}
	return true
}

// ProcessOne
//
// 가장 오래된 파일 1개를 처리한다.
//   - TTL 초과 → 삭제
//   - 아니면 유효성 검사 후 재업로드, 성공 시 삭제
//
// 처리할 파일이 있었으면 true.
func (d *DLQ) ProcessOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := d.oldestLocked()
	if name == "" {
		return false
	}
	dataPath := filepath.Join(d.opts.Dir, name)

	if d.opts.MaxAge > 0 {
		if sec, ok := unixFromFilename(name); ok {
			age := time.Duration(d.tc.Unix()-sec) * time.Second
			if age > d.opts.MaxAge {
				d.removeLocked(name)
				d.metrics.DLQFilesExpired.Inc()
				d.log.Info().Str("file", name).Dur("age", age).Msg("dlq file expired")
				return true
			}
		}
	}

	f, err := os.Open(dataPath)
	if err != nil {
		d.log.Warn().Err(err).Str("file", name).Msg("dlq open failed")
		d.removeLocked(name)
		return true
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		d.log.Warn().Err(err).Str("file", name).Msg("dlq stat failed")
		return false
	}

	prefix := d.opts.RawPrefix
	valid := validateJSONLGZ(f)
	if !valid {
		prefix = d.opts.DLQPrefix
	}
	key := d.keys.key(prefix, name)

	if err := d.uploader.UploadFile(ctx, key, f, info.Size()); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("dlq reupload failed")
		return false
	}

	n := readNumEvents(dataPath + metaSuffix)
	d.removeLocked(name)
	d.metrics.DLQEventsReuploaded.Add(float64(n))
	d.log.Info().Str("key", key).Int64("events", n).Bool("valid", valid).Msg("dlq reupload ok")
	return true
}

// Len returns the number of data files currently held.
func (d *DLQ) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.files)
}

func (d *DLQ) removeLocked(name string) {
	dataPath := filepath.Join(d.opts.Dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		d.sizeBytes -= info.Size()
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)

	d.files--
	if d.files < 0 {
		d.files = 0
	}
	if d.sizeBytes < 0 {
		d.sizeBytes = 0
	}
	d.publish()
}

func (d *DLQ) publish() {
	d.metrics.DLQFilesCurrent.Set(float64(d.files))
	d.metrics.DLQSizeBytes.Set(float64(d.sizeBytes))
}

// oldestLocked 는 data 파일 중 이름순으로 가장 앞선 것을 반환한다.
// ReadDir 결과 순서는 보장되지 않으므로 정렬한다.
func (d *DLQ) oldestLocked() string {
	entries, err := os.ReadDir(d.opts.Dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) || name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)
	return files[0]
}

// validateJSONLGZ 는 gzip 을 풀어 첫 줄이 JSON 객체인지 확인한다.
func validateJSONLGZ(f io.ReadSeeker) bool {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}

// readNumEvents 는 meta 파일의 num_events 를 읽는다. 없거나 깨졌으면 1.
func readNumEvents(metaPath string) int64 {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return 1
	}
	var v struct {
		NumEvents int64 `json:"num_events"`
	}
	if json.Unmarshal(raw, &v) != nil || v.NumEvents <= 0 {
		return 1
	}
	return v.NumEvents
}
