package proxy

import (
	"bytes"
	"net/http"

	"chat-protocol-gateway/internal/conversion"

	"github.com/gin-gonic/gin"
)

var sseDone = []byte("[DONE]")

// sseWriter 向客户端写出 SSE 事件。响应头在第一次写入时才发送，
// 在此之前出错仍可以返回普通的 JSON 错误响应。
type sseWriter struct {
	c       *gin.Context
	started bool
}

func newSSEWriter(c *gin.Context) *sseWriter {
	return &sseWriter{c: c}
}

// Started 是否已经向客户端写出过字节
func (w *sseWriter) Started() bool { return w.started }

func (w *sseWriter) begin() {
	if w.started {
		return
	}
	header := w.c.Writer.Header()
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.c.Writer.WriteHeader(http.StatusOK)
	w.started = true
}

// encodeEvents 把一个 chunk 产生的全部事件编码为一段连续的 SSE 文本
func encodeEvents(events []conversion.AnthropicEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range events {
		name, data, err := conversion.EncodeEvent(ev)
		if err != nil {
			return nil, err
		}
		buf.WriteString("event: ")
		buf.WriteString(name)
		buf.WriteString("\ndata: ")
		buf.Write(data)
		buf.WriteString("\n\n")
	}
	return buf.Bytes(), nil
}

// WriteEncoded 一次写出 encodeEvents 的结果并 flush
func (w *sseWriter) WriteEncoded(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	return w.write(payload)
}

// WriteData 写出一条只有 data 字段的事件
func (w *sseWriter) WriteData(data []byte) error {
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return w.write(buf)
}

func (w *sseWriter) write(p []byte) error {
	w.begin()
	if _, err := w.c.Writer.Write(p); err != nil {
		return err
	}
	w.c.Writer.Flush()
	return nil
}
