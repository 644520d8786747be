package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// localStore 把对象保存为 {bucket}/{key} 文件。
type localStore struct {
	fs   afero.Fs
	root string
}

// NewLocalStore 基于任意 afero 文件系统创建本地存储；root 仅用于生成访问 URL。
func NewLocalStore(fsys afero.Fs, root string) ObjectStore {
	return &localStore{fs: fsys, root: root}
}

func (s *localStore) objectPath(bucket, key string) (string, error) {
	p := path.Join("/", bucket, key)
	if !strings.HasPrefix(p, path.Join("/", bucket)+"/") {
		return "", fmt.Errorf("非法的对象键: %q", key)
	}
	return p, nil
}

func (s *localStore) EnsureBucket(_ context.Context, bucket string) error {
	return s.fs.MkdirAll(path.Join("/", bucket), 0o755)
}

func (s *localStore) Upload(ctx context.Context, bucket, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("写入对象 %s/%s 失败: %w", bucket, key, err)
	}
	return nil
}

func (s *localStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("读取对象 %s/%s 失败: %w", bucket, key, err)
	}
	return data, nil
}

func (s *localStore) Delete(_ context.Context, bucket, key string) error {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("删除对象 %s/%s 失败: %w", bucket, key, err)
	}
	return nil
}

func (s *localStore) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	bucketRoot := path.Join("/", bucket)
	var victims []string
	err := afero.Walk(s.fs, bucketRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(filepath.ToSlash(p), bucketRoot+"/")
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, p)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("遍历 %s 失败: %w", bucket, err)
	}

	removed := 0
	for _, p := range victims {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("删除 %s 失败: %w", p, err)
		}
		removed++
	}
	return removed, nil
}

func (s *localStore) PresignedURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(filepath.Join(s.root, p)), nil
}
