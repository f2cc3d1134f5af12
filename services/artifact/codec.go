package artifact

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

// Stored encodings of the artifact. The digest always refers to raw bytes.
const (
	CodecRaw     = "raw"
	CodecZstd    = "zstd"
	CodecZstdAge = "zstd+age"
)

// Codec converts between the raw artifact and its stored form.
type Codec struct {
	name       string
	recipients []age.Recipient
	identities []age.Identity
}

// CodecOptions configures NewCodec. Recipients are age X25519 public keys
// ("age1..."); Identities is the contents of an age identity file.
type CodecOptions struct {
	Name       string
	Recipients []string
	Identities io.Reader
}

// NewCodec validates opts. Supplying recipients upgrades zstd to zstd+age.
func NewCodec(opts CodecOptions) (*Codec, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Name))
	if name == "" {
		name = CodecRaw
	}

	c := &Codec{name: name}
	for _, raw := range opts.Recipients {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		recipient, err := age.ParseX25519Recipient(raw)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		c.recipients = append(c.recipients, recipient)
	}
	if opts.Identities != nil {
		identities, err := age.ParseIdentities(opts.Identities)
		if err != nil {
			return nil, fmt.Errorf("parse age identities: %w", err)
		}
		c.identities = identities
	}

	switch c.name {
	case CodecRaw:
		if len(c.recipients) > 0 {
			return nil, errors.New("age recipients require the zstd codec")
		}
	case CodecZstd:
		if len(c.recipients) > 0 {
			c.name = CodecZstdAge
		}
	case CodecZstdAge:
		if len(c.recipients) == 0 {
			return nil, errors.New("codec zstd+age requires at least one age recipient")
		}
	default:
		return nil, fmt.Errorf("unknown codec %q", opts.Name)
	}
	return c, nil
}

// Name returns the codec recorded in remote metadata.
func (c *Codec) Name() string {
	if c == nil {
		return CodecRaw
	}
	return c.name
}

// Encoder wraps dst so that raw bytes written to it land in stored form.
// Close must be called to flush; it does not close dst.
func (c *Codec) Encoder(dst io.Writer) (io.WriteCloser, error) {
	switch c.Name() {
	case CodecRaw:
		return nopWriteCloser{dst}, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(dst)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return enc, nil
	case CodecZstdAge:
		sealed, err := age.Encrypt(dst, c.recipients...)
		if err != nil {
			return nil, fmt.Errorf("age encrypt: %w", err)
		}
		enc, err := zstd.NewWriter(sealed)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return &chainWriteCloser{Writer: enc, closers: []io.Closer{enc, sealed}}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", c.name)
	}
}

// Decoder reverses the stored encoding named by codec, which comes from the
// remote object's metadata rather than local configuration.
func (c *Codec) Decoder(codec string, src io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(codec) {
	case "", CodecRaw:
		return io.NopCloser(src), nil
	case CodecZstd:
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CodecZstdAge:
		if c == nil || len(c.identities) == 0 {
			return nil, errors.New("remote artifact is age-encrypted but no identity is configured")
		}
		plain, err := age.Decrypt(src, c.identities...)
		if err != nil {
			return nil, fmt.Errorf("age decrypt: %w", err)
		}
		dec, err := zstd.NewReader(plain)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unknown remote codec %q", codec)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// chainWriteCloser closes each layer innermost first.
type chainWriteCloser struct {
	io.Writer
	closers []io.Closer
}

func (c *chainWriteCloser) Close() error {
	var errs []error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
