package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/dukerupert/mchcare/internal/model"
)

const (
	extSQL  = ".sql"
	extZstd = ".zst"
	extEnc  = ".enc"
)

func artifactExt(compressed, encrypted bool) string {
	ext := extSQL
	if compressed {
		ext += extZstd
	}
	if encrypted {
		ext += extEnc
	}
	return ext
}

// encodeArtifact turns the plain dump at path into the stored artifact and
// returns the artifact's path. Intermediate files stay next to path.
func encodeArtifact(ctx context.Context, path string, compress bool, passphrase string) (string, error) {
	if compress {
		out := path + extZstd
		if err := compressFile(ctx, path, out); err != nil {
			return "", fmt.Errorf("compress: %w", err)
		}
		path = out
	}
	if passphrase != "" {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out := path + extEnc
		if err := EncryptFile(path, out, passphrase); err != nil {
			return "", fmt.Errorf("encrypt: %w", err)
		}
		path = out
	}
	return path, nil
}

// decodeArtifact reverses encodeArtifact using the flags recorded on b.
func decodeArtifact(ctx context.Context, path string, b *model.CloudBackup, passphrase string) (string, error) {
	if b.Encrypted {
		if passphrase == "" {
			return "", errors.New("artifact is encrypted but no passphrase is configured")
		}
		out := path + ".dec"
		if err := DecryptFile(path, out, passphrase); err != nil {
			return "", err
		}
		path = out
	}
	if b.Compressed {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out := path + extSQL
		if err := decompressFile(ctx, path, out); err != nil {
			return "", fmt.Errorf("decompress: %w", err)
		}
		path = out
	}
	return path, nil
}

func compressFile(ctx context.Context, src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, contextReader{ctx: ctx, r: in}); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func decompressFile(ctx context.Context, src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer dec.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, contextReader{ctx: ctx, r: dec})
	return err
}

// fileDigest returns the size and hex SHA-256 of the file at path.
func fileDigest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("hash artifact: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func verifyArtifact(path string, b *model.CloudBackup) error {
	size, digest, err := fileDigest(path)
	if err != nil {
		return err
	}
	if size != b.SizeBytes {
		return fmt.Errorf("size %d does not match recorded %d", size, b.SizeBytes)
	}
	if digest != b.SHA256 {
		return fmt.Errorf("sha256 %s does not match recorded %s", digest, b.SHA256)
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
