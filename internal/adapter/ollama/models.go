package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/llmrelay/llmrelay/internal/openai"
	"github.com/llmrelay/llmrelay/internal/relay"
)

// ListModels queries the backend tag catalog and maps each tag into a model
// listing entry.
func (a *Adapter) ListModels(ctx context.Context) (openai.ModelsResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.firstResponseTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, a.baseURL+tagsPath, nil)
	if err != nil {
		return openai.ModelsResponse{}, fmt.Errorf("ollama: create request: %w", err)
	}
	a.setHeaders(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return openai.ModelsResponse{}, relay.Wrap(relay.KindBackendUnreachable, "send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return openai.ModelsResponse{}, relay.Wrap(relay.KindBackendUnreachable, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		kind := relay.KindBackendStatus
		if resp.StatusCode == http.StatusUnauthorized {
			kind = relay.KindAuthentication
		}
		return openai.ModelsResponse{}, relay.Errorf(kind, "backend status %d: %s", resp.StatusCode, prettyBody(body))
	}

	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return openai.ModelsResponse{}, relay.Wrap(relay.KindMalformedRecord, "unmarshal tags", err)
	}

	models := make([]openai.Model, 0, len(tags.Models))
	for _, tag := range tags.Models {
		models = append(models, openai.NewModel(tag.Name, "library", tag.ModifiedAt.Unix()))
	}
	return openai.NewModelsResponse(models), nil
}
