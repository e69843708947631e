package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"flashback/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix string
	minioStats  bool
	minioDelete bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "对象存储管理",
	Long:  `List, summarise or delete the uploaded artifacts (audio and videos) in the storage bucket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		fmt.Printf("Storage: %s, Bucket: %s\n", cfg.StorageEndpoint, cfg.StorageBucket)

		client, err := storage.NewMinioClient(storage.OptionsFromConfig(cfg))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if minioDelete {
			if minioPrefix == "" {
				return fmt.Errorf("删除操作需要指定前缀 (--prefix <task_id>)")
			}
			n, err := client.DeletePrefix(ctx, minioPrefix)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d object(s) under %s\n", n, minioPrefix)
			return nil
		}

		objects, stats, err := client.Inspect(ctx, minioPrefix)
		if err != nil {
			return err
		}
		if minioStats {
			fmt.Printf("Objects: %d\nSize: %s\n", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
			if !stats.LastModified.IsZero() {
				fmt.Printf("Last modified: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
			}
			kinds := make([]string, 0, len(stats.ByKind))
			for k := range stats.ByKind {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Printf("  %-6s %s\n", k, storage.FormatSize(stats.ByKind[k]))
			}
			return nil
		}
		for _, obj := range objects {
			fmt.Printf("%s  %10s  %s\n", obj.LastModified.Format(time.RFC3339), storage.FormatSize(obj.Size), client.PublicURL(obj.Key))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤, usually a task id")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "显示存储桶统计信息")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除前缀下的所有文件")

	minioCmd.Example = `  # 列出所有文件
  flashback minio

  # artifacts of one task
  flashback minio -p 3f2b9c1e-0d5a-4c55-9a43-5b1c0e2f7a10

  # 显示存储桶统计信息
  flashback minio -s

  # delete the artifacts of one task
  flashback minio -d -p 3f2b9c1e-0d5a-4c55-9a43-5b1c0e2f7a10`
}
