// internal/worker/file_util.go
package worker

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// file_util.go
// ------------------------------------------------------------
// archive 객체 / 로컬 DLQ 파일 이름 규칙.
//
//	<unix>_<instance>_<counter>.jsonl.gz
//	예: 1764721594_syncmon-1_000042.jsonl.gz
//
// 문자열 정렬 = 시간 정렬이므로 DLQ 는 이름순으로 가장 오래된 파일부터 재업로드한다.
//
// S3 key:
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>

const fileSuffix = ".jsonl.gz"

// counterWrap: 카운터는 6자리에서 wrap. timestamp + instance 와 합쳐져 충돌하지 않는다.
const counterWrap = 1_000_000

type keyBuilder struct {
	tc       *TimeCache
	instance string
	counter  atomic.Uint64
}

func newKeyBuilder(tc *TimeCache, instanceID string) *keyBuilder {
	return &keyBuilder{tc: tc, instance: instanceID}
}

// filename returns a fresh "<unix>_<instance>_<counter>.jsonl.gz" name.
func (k *keyBuilder) filename() string {
	c := k.counter.Add(1) % counterWrap
	return fmt.Sprintf("%d_%s_%06d%s", k.tc.Unix(), k.instance, c, fileSuffix)
}

// key places filename under the current dt/hr partition of prefix.
func (k *keyBuilder) key(prefix, filename string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, k.tc.DT(), k.tc.HR(), filename)
}

// unixFromFilename parses the leading unix seconds of a generated file name.
func unixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
