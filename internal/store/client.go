// Package store は Supabase（PostgREST + Storage）への永続化レイヤーを提供します。
package store

import (
	"fmt"
	"strings"

	"github.com/supabase-community/postgrest-go"
	supabase "github.com/supabase-community/supabase-go"
)

const (
	tableJobs     = "jobs"
	tableProfiles = "profiles"
	tableUsage    = "usage_records"
)

// Client は Supabase クライアントをまとめた構造体です。
// 行の読み書きは PostgREST、成果物の保存は Storage を利用します。
type Client struct {
	sb     *supabase.Client
	rest   *postgrest.Client
	bucket string
}

// NewClient は Supabase への接続を初期化します。
// serviceKey はサーバーサイド専用の service_role キーを想定しています。
func NewClient(projectURL, serviceKey, bucket string) (*Client, error) {
	projectURL = strings.TrimRight(strings.TrimSpace(projectURL), "/")
	if projectURL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if serviceKey == "" {
		return nil, fmt.Errorf("supabase service key is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	sb, err := supabase.NewClient(projectURL, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize supabase client: %w", err)
	}

	// supabase-go は RPC 呼び出しのエラーを返さないため、
	// アトミックな更新（usage の加算）には PostgREST クライアントを直接使う。
	rest := postgrest.NewClient(projectURL+"/rest/v1", "", map[string]string{
		"apikey":        serviceKey,
		"Authorization": "Bearer " + serviceKey,
	})

	return &Client{sb: sb, rest: rest, bucket: bucket}, nil
}
