package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
	// ByKind sums sizes per artifact kind (audio, video, image, other).
	ByKind map[string]int64
}

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Inspect lists the objects under prefix with their totals, sorted by key.
func (m *MinioClient) Inspect(ctx context.Context, prefix string) ([]ObjectInfo, *BucketStats, error) {
	stats := &BucketStats{ByKind: map[string]int64{}}
	var objects []ObjectInfo

	for object := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("failed to list objects under %s: %w", prefix, object.Err)
		}
		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		stats.ByKind[ArtifactKind(object.Key)] += object.Size
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, stats, nil
}

// DeletePrefix removes every object under prefix, e.g. all artifacts of one
// task, and returns how many were removed. An empty prefix is refused.
func (m *MinioClient) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	prefix = ObjectKey(prefix)
	if prefix == "" {
		return 0, fmt.Errorf("refusing to delete the whole bucket %s", m.bucketName)
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	// 收集要删除的对象
	var toDelete []minio.ObjectInfo
	for object := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return 0, fmt.Errorf("failed to list objects under %s: %w", prefix, object.Err)
		}
		toDelete = append(toDelete, object)
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(toDelete))
	for _, obj := range toDelete {
		objectsCh <- obj
	}
	close(objectsCh)

	for rerr := range m.client.RemoveObjects(ctx, m.bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return 0, fmt.Errorf("failed to delete %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return len(toDelete), nil
}

// ArtifactKind classifies an object key by extension.
func ArtifactKind(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp3", ".wav", ".m4a":
		return "audio"
	case ".mp4", ".mov", ".mkv":
		return "video"
	case ".png", ".jpg", ".jpeg", ".webp":
		return "image"
	default:
		return "other"
	}
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
