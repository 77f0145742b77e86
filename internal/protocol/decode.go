package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

func DecodeName(payload []byte) (NameRequest, error) {
	var req NameRequest
	if err := unmarshalStrict(payload, &req); err != nil {
		return NameRequest{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return NameRequest{}, ErrMissingName
	}
	return req, nil
}

func DecodeCall(payload []byte) (CallRequest, error) {
	var req CallRequest
	if err := unmarshalStrict(payload, &req); err != nil {
		return CallRequest{}, err
	}
	if err := validateCall(req); err != nil {
		return CallRequest{}, err
	}
	return req, nil
}

func DecodeChain(payload []byte) (ChainRequest, error) {
	var req ChainRequest
	if err := unmarshalStrict(payload, &req); err != nil {
		return ChainRequest{}, err
	}
	if len(req.Steps) == 0 {
		return ChainRequest{}, ErrEmptyChain
	}
	for i, step := range req.Steps {
		if err := validateCall(step); err != nil {
			return ChainRequest{}, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return req, nil
}

func DecodeRegisterResponse(payload []byte) (RegisterResponse, error) {
	var res RegisterResponse
	if err := unmarshalStrict(payload, &res); err != nil {
		return RegisterResponse{}, err
	}
	return res, nil
}

func validateCall(req CallRequest) error {
	if strings.TrimSpace(req.Func) == "" {
		return ErrMissingFunc
	}
	return nil
}

func unmarshalStrict(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return ErrInvalidPayload
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	return nil
}
