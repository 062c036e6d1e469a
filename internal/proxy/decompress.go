package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// Decompressor 解压上游响应体副本，仅用于 usage 解析
type Decompressor struct {
	maxDecompressedSize int64
}

// NewDecompressor 创建解压器
func NewDecompressor() *Decompressor {
	return &Decompressor{
		maxDecompressedSize: 50 * 1024 * 1024, // 50MB
	}
}

// Decompress 解压数据，支持 gzip/br/zstd/deflate，失败时返回原始数据
func (d *Decompressor) Decompress(data []byte, contentEncoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip", "x-gzip":
		return d.readAll("gzip", data, func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		})
	case "br":
		return d.readAll("brotli", data, func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(brotli.NewReader(r)), nil
		})
	case "zstd":
		return d.readAll("zstd", data, func(r io.Reader) (io.ReadCloser, error) {
			decoder, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return decoder.IOReadCloser(), nil
		})
	case "deflate":
		return d.readAll("deflate", data, func(r io.Reader) (io.ReadCloser, error) {
			return flate.NewReader(r), nil
		})
	case "", "identity":
		// 检测隐式 gzip
		if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
			return d.readAll("gzip", data, func(r io.Reader) (io.ReadCloser, error) {
				return gzip.NewReader(r)
			})
		}
		return data
	default:
		log.Warnf("proxy: unsupported Content-Encoding %q, parsing raw body", contentEncoding)
		return data
	}
}

func (d *Decompressor) readAll(name string, data []byte, open func(io.Reader) (io.ReadCloser, error)) []byte {
	reader, err := open(bytes.NewReader(data))
	if err != nil {
		log.Warnf("proxy: failed to create %s reader: %v", name, err)
		return data
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(io.LimitReader(reader, d.maxDecompressedSize+1))
	if err != nil {
		log.Warnf("proxy: failed to decompress %s: %v", name, err)
		return data
	}
	if int64(len(decompressed)) > d.maxDecompressedSize {
		log.Warnf("proxy: %s decompressed response too large (%d bytes), skipping usage extraction", name, len(decompressed))
		return data
	}
	log.Debugf("proxy: decompressed %s response copy (%d -> %d bytes)", name, len(data), len(decompressed))
	return decompressed
}
