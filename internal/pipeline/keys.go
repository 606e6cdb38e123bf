package pipeline

import (
	"fmt"
	"path"
	"strings"
)

func pageName(pageNum int) string {
	return fmt.Sprintf("page_%02d", pageNum)
}

// BackgroundKey is where the background of a page is written.
func BackgroundKey(jobID string, pageNum int) string {
	return fmt.Sprintf("layout/%s/pages/%s_bg.png", jobID, pageName(pageNum))
}

// PageKey is where the final image of a page is written.
func PageKey(jobID string, pageNum int) string {
	return fmt.Sprintf("layout/%s/pages/%s.png", jobID, pageName(pageNum))
}

func CropKey(jobID string) string {
	return fmt.Sprintf("avatars/%s_crop.png", jobID)
}

func ChildPhotoKey(jobID, ext string) string {
	return fmt.Sprintf("child_photos/%s.%s", jobID, strings.TrimPrefix(ext, "."))
}

func RegenerationPhotoKey(jobID, id, ext string) string {
	return fmt.Sprintf("uploads/%s/regen_%s.%s", jobID, id, strings.TrimPrefix(ext, "."))
}

// illustrationCandidates lists keys to try for a template illustration:
// the key itself, then the same name with the other raster extension.
func illustrationCandidates(key string) []string {
	lower := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lower, ".png"):
		base := key[:len(key)-4]
		return []string{key, base + ".jpg", base + ".jpeg"}
	case strings.HasSuffix(lower, ".jpg"):
		return []string{key, key[:len(key)-4] + ".png"}
	case strings.HasSuffix(lower, ".jpeg"):
		return []string{key, key[:len(key)-5] + ".png"}
	}
	return []string{key}
}

// maskCandidates lists the sidecar mask keys of an illustration, stored
// next to it with a mask_ prefix.
func maskCandidates(key string) []string {
	dir, name := path.Split(key)
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return []string{dir + "mask_" + name}
	case strings.HasSuffix(lower, ".jpg"):
		root := name[:len(name)-4]
		return []string{dir + "mask_" + root + ".png", dir + "mask_" + root + ".jpg"}
	case strings.HasSuffix(lower, ".jpeg"):
		root := name[:len(name)-5]
		return []string{dir + "mask_" + root + ".png", dir + "mask_" + root + ".jpg"}
	}
	return nil
}
