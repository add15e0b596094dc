// Package repository 提供了数据访问层的实现。
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"cvforge-go/internal/apperr"
	"cvforge-go/internal/model"
	"cvforge-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ChunkRepository 定义了画像分块在向量检索后端上的操作。
type ChunkRepository interface {
	// DeleteByUserNamespace 删除 (user, namespace) 下的全部分块。配合
	// BulkUpsert 实现整体替换式重建索引。
	DeleteByUserNamespace(ctx context.Context, userID, namespace string) error
	// BulkUpsert 将一批分块写入索引。
	BulkUpsert(ctx context.Context, chunks []model.EsChunk) error
	// Search 在 (user, namespace) 范围内执行近似最近邻检索。
	Search(ctx context.Context, userID, namespace string, vector []float32, candidatePool, limit int) ([]model.ScoredChunk, error)
	// FindBySourceTypes 按来源类型精确查找分块（用于必含字段兜底）。
	FindBySourceTypes(ctx context.Context, userID, namespace string, sourceTypes []string, limit int) ([]model.ScoredChunk, error)
}

// esChunkRepository 是 ChunkRepository 的 Elasticsearch 实现。
type esChunkRepository struct {
	esClient  *elasticsearch.Client
	indexName string
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(esClient *elasticsearch.Client, indexName string) ChunkRepository {
	return &esChunkRepository{esClient: esClient, indexName: indexName}
}

// DeleteByUserNamespace 通过 delete_by_query 删除既有分块。
func (r *esChunkRepository) DeleteByUserNamespace(ctx context.Context, userID, namespace string) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{"term": map[string]interface{}{"user_id": userID}},
					{"term": map[string]interface{}{"namespace": namespace}},
				},
			},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return fmt.Errorf("failed to encode delete query: %w", err)
	}

	res, err := r.esClient.DeleteByQuery(
		[]string{r.indexName},
		&buf,
		r.esClient.DeleteByQuery.WithContext(ctx),
		r.esClient.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return apperr.NewProviderError("elasticsearch", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[ChunkRepository] delete_by_query 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return apperr.NewProviderError("elasticsearch",
			fmt.Errorf("delete_by_query returned status %s", res.Status()))
	}
	return nil
}

// BulkUpsert 逐条索引分块文档，以 chunk_id 作为文档 ID。
func (r *esChunkRepository) BulkUpsert(ctx context.Context, chunks []model.EsChunk) error {
	for _, chunk := range chunks {
		docBytes, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk: %w", err)
		}

		req := esapi.IndexRequest{
			Index:      r.indexName,
			DocumentID: chunk.ChunkID,
			Body:       bytes.NewReader(docBytes),
			Refresh:    "true",
		}
		res, err := req.Do(ctx, r.esClient)
		if err != nil {
			return apperr.NewProviderError("elasticsearch", err)
		}
		if res.IsError() {
			msg := res.String()
			res.Body.Close()
			log.Errorf("[ChunkRepository] 索引分块到 Elasticsearch 出错: %s", msg)
			return apperr.NewProviderError("elasticsearch", fmt.Errorf("failed to index chunk %s", chunk.ChunkID))
		}
		res.Body.Close()
	}
	return nil
}

// Search 执行 kNN 检索，过滤条件限定在 (user, namespace) 内。
func (r *esChunkRepository) Search(ctx context.Context, userID, namespace string, vector []float32, candidatePool, limit int) ([]model.ScoredChunk, error) {
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              limit,
			"num_candidates": candidatePool,
			"filter": map[string]interface{}{
				"bool": map[string]interface{}{
					"must": []map[string]interface{}{
						{"term": map[string]interface{}{"user_id": userID}},
						{"term": map[string]interface{}{"namespace": namespace}},
					},
				},
			},
		},
		"size": limit,
	}

	hits, err := r.doSearch(ctx, esQuery)
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// FindBySourceTypes 按来源类型精确匹配分块，得分固定为 1.0。
func (r *esChunkRepository) FindBySourceTypes(ctx context.Context, userID, namespace string, sourceTypes []string, limit int) ([]model.ScoredChunk, error) {
	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{"term": map[string]interface{}{"user_id": userID}},
					{"term": map[string]interface{}{"namespace": namespace}},
					{"terms": map[string]interface{}{"source_type": sourceTypes}},
				},
			},
		},
		"size": limit,
	}

	hits, err := r.doSearch(ctx, esQuery)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Score = 1.0
	}
	return hits, nil
}

// doSearch 执行一次 Elasticsearch 搜索并解析命中结果。
func (r *esChunkRepository) doSearch(ctx context.Context, esQuery map[string]interface{}) ([]model.ScoredChunk, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := r.esClient.Search(
		r.esClient.Search.WithContext(ctx),
		r.esClient.Search.WithIndex(r.indexName),
		r.esClient.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, apperr.NewProviderError("elasticsearch", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[ChunkRepository] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, apperr.NewProviderError("elasticsearch",
			fmt.Errorf("elasticsearch returned status %s", res.Status()))
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsChunk `json:"_source"`
				Score  float64       `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, apperr.NewProviderError("elasticsearch", fmt.Errorf("failed to decode es response: %w", err))
	}

	results := make([]model.ScoredChunk, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		results = append(results, model.ScoredChunk{
			ChunkID:    hit.Source.ChunkID,
			SourceType: hit.Source.SourceType,
			SourceID:   hit.Source.SourceID,
			Text:       hit.Source.Text,
			Score:      hit.Score,
		})
	}
	return results, nil
}
