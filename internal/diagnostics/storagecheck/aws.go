package storagecheck

import (
	"encoding/json"
	"fmt"
	"strings"
)

func buildAWSPolicy(bucket, prefix string) string {
	bucketARN := fmt.Sprintf("arn:aws:s3:::%s", bucket)
	objects := fmt.Sprintf("arn:aws:s3:::%s/*", bucket)
	if trim := strings.Trim(prefix, "/"); trim != "" {
		objects = fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, trim)
	}
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:ListBucket", "s3:GetBucketLocation"},
				"Resource": []string{bucketARN},
			},
			map[string]any{
				"Effect": "Allow",
				"Action": []string{
					"s3:GetObject",
					"s3:PutObject",
					"s3:DeleteObject",
					"s3:AbortMultipartUpload",
				},
				"Resource": []string{objects},
			},
		},
	}
	enc, _ := json.MarshalIndent(policy, "", "  ")
	return string(enc)
}
