package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maxDecodedBytes bounds decompression output to stop gzip bombs from a
// corrupted or hostile backend.
const maxDecodedBytes = 100 * 1024 * 1024

// Codec prepares payload blobs for durable storage: gzip above a size floor,
// optional per-namespace encryption on top. Decode reverses both stages and
// accepts blobs written with either stage disabled, so config changes never
// orphan existing entries.
type Codec struct {
	cipher   *Cipher
	level    int
	minBytes int
	enabled  bool
}

// CodecOptions configures NewCodec.
type CodecOptions struct {
	CompressionEnabled  bool
	CompressionMinBytes int
	// EncryptionKey empty means blobs are stored unencrypted.
	EncryptionKey string
}

// NewCodec builds a Codec from options.
func NewCodec(opts CodecOptions) (*Codec, error) {
	c := &Codec{
		level:    gzip.BestSpeed,
		minBytes: opts.CompressionMinBytes,
		enabled:  opts.CompressionEnabled,
	}
	if c.minBytes <= 0 {
		c.minBytes = 1024
	}
	if opts.EncryptionKey != "" {
		cipher, err := NewCipher(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		c.cipher = cipher
	}
	return c, nil
}

// Encode compresses data when worthwhile and encrypts when a cipher is set.
func (c *Codec) Encode(data []byte, namespace string) ([]byte, error) {
	out := data
	if c.enabled && len(data) >= c.minBytes {
		compressed, err := c.compress(data)
		if err != nil {
			return nil, fmt.Errorf("compression failed: %w", err)
		}
		// Keep the original when compression does not pay for itself.
		if len(compressed) < len(data) {
			out = compressed
		}
	}
	if c.cipher != nil {
		encrypted, err := c.cipher.Encrypt(out, namespace)
		if err != nil {
			return nil, fmt.Errorf("encryption failed: %w", err)
		}
		return encrypted, nil
	}
	return out, nil
}

// Decode reverses Encode. Plain blobs pass through untouched.
func (c *Codec) Decode(data []byte, namespace string) ([]byte, error) {
	if c.cipher != nil {
		decrypted, err := c.cipher.Decrypt(data, namespace)
		if err != nil {
			return nil, fmt.Errorf("decryption failed: %w", err)
		}
		data = decrypted
	}
	if !isGzip(data) {
		return data, nil
	}
	return c.decompress(data)
}

func (c *Codec) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	defer func() {
		_ = gz.Close()
	}()
	out, err := io.ReadAll(io.LimitReader(gz, maxDecodedBytes))
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return out, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
