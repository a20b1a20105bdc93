package filex

import (
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

// ContentType guesses from the file extension.
func ContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func infoFor(path string, fi fs.FileInfo) models.LocalFileInfo {
	out := models.LocalFileInfo{
		Path:    path,
		Name:    fi.Name(),
		Size:    fi.Size(),
		ModTime: fi.ModTime().UTC(),
		IsDir:   fi.IsDir(),
	}
	if fi.IsDir() {
		out.Size = 0
	} else {
		out.ContentType = ContentType(path)
	}
	return out
}

func GetFileInfo(path string) (models.LocalFileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.LocalFileInfo{}, fmt.Errorf("%w: %s", common.ErrNotFound, path)
		}
		return models.LocalFileInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return infoFor(path, fi), nil
}

// GetFolderFiles lists regular files under root, recursively, sorted by
// relative path. RelativePath uses '/' so it can be appended to a key
// prefix. Hidden entries are skipped.
func GetFolderFiles(root string) ([]models.LocalFileInfo, error) {
	fi, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", common.ErrNotFound, root)
		}
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", common.ErrInvalidArgument, root)
	}

	var out []models.LocalFileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		item := infoFor(path, info)
		item.RelativePath = filepath.ToSlash(rel)
		out = append(out, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}
