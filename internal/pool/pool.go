package pool

import (
	"bytes"
	"sync"

	"syncmon/internal/model"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// 수신 경로(MQTT 콜백, /collect)는 메시지마다 Event 와 body 버퍼를,
// archive 경로는 배치마다 gzip writer 와 결과 버퍼를 만든다.
// 아래 Pool 들로 재사용해서 할당을 줄인다.
//
// Event 수명: transport 에서 GetEvent → ingest → (archive 사용 시) 업로드 완료
// → PutEvent. 한 번 반환된 Event 는 다시 참조하면 안 된다.
// ---------------------------------------------------------------

var (
	eventPool = sync.Pool{
		New: func() any { return new(model.Event) },
	}

	// BodyPool: /collect body 임시 버퍼 (초기 4KB)
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool: gzip 인코딩 결과 버퍼 (초기 256KB)
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool: gzip.Writer 재사용. 수신 처리 우선이라 BestSpeed.
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// MaxBufferCap 보다 큰 버퍼는 풀에 돌려주지 않고 GC 에 맡긴다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetEvent returns a zeroed event from the pool.
func GetEvent() *model.Event {
	return eventPool.Get().(*model.Event)
}

// PutEvent zeroes e and returns it to the pool.
func PutEvent(e *model.Event) {
	if e == nil {
		return
	}
	*e = model.Event{}
	eventPool.Put(e)
}

// PutEvents returns every event in the slice to the pool.
func PutEvents(events []*model.Event) {
	for _, e := range events {
		PutEvent(e)
	}
}

// PutBody:
//   - maxCap(보통 MaxBodySize*2) 이하일 때만 재사용.
//   - 큰 POST body 를 계속 붙잡고 있지 않도록 한다.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer returns a gzip output buffer when it is at most MaxBufferCap.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
