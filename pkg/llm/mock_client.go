package llm

import (
	"context"
	"fmt"
)

// MockClient provides a controllable implementation of Client for testing.
type MockClient struct {
	responses     []CompletionResponse
	responseIndex int
	errors        []error
	errorIndex    int
	requests      []CompletionRequest
}

// NewMockClient creates a new mock client with predefined responses.
// Errors are consumed before responses: a non-nil entry in errors is returned
// in place of the next response.
func NewMockClient(responses []CompletionResponse, errors []error) *MockClient {
	return &MockClient{
		responses: responses,
		errors:    errors,
	}
}

// Complete returns the next predefined response or error.
func (m *MockClient) Complete(_ context.Context, in CompletionRequest) (CompletionResponse, error) {
	m.requests = append(m.requests, in)

	if m.errorIndex < len(m.errors) {
		err := m.errors[m.errorIndex]
		m.errorIndex++
		if err != nil {
			return CompletionResponse{}, err
		}
	}

	if m.responseIndex >= len(m.responses) {
		return CompletionResponse{}, fmt.Errorf("mock client: no more responses")
	}

	resp := m.responses[m.responseIndex]
	m.responseIndex++
	return resp, nil
}

// Stream returns a channel that will receive predefined responses.
func (m *MockClient) Stream(_ context.Context, in CompletionRequest) (<-chan StreamChunk, error) {
	m.requests = append(m.requests, in)

	if m.errorIndex < len(m.errors) {
		err := m.errors[m.errorIndex]
		m.errorIndex++
		if err != nil {
			return nil, err
		}
	}

	if m.responseIndex >= len(m.responses) {
		return nil, fmt.Errorf("mock client: no more responses")
	}

	resp := m.responses[m.responseIndex]
	m.responseIndex++

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		ch <- StreamChunk{
			Content: resp.Content,
			Done:    true,
		}
	}()

	return ch, nil
}

// Requests returns every request the mock has observed, in order.
// Tests use this to assert which turns were actually sent to the model.
func (m *MockClient) Requests() []CompletionRequest {
	return m.requests
}
