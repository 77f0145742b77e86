package protocol

import "encoding/json"

func EncodeName(name string) ([]byte, error) {
	return json.Marshal(NameRequest{Name: name})
}

func EncodeCall(req CallRequest) ([]byte, error) {
	if err := validateCall(req); err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

func EncodeChain(steps []CallRequest) ([]byte, error) {
	if len(steps) == 0 {
		return nil, ErrEmptyChain
	}
	return json.Marshal(ChainRequest{Steps: steps})
}

func EncodeRegisterResponse(res RegisterResponse) ([]byte, error) {
	return json.Marshal(res)
}
