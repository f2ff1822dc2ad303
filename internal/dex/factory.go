package dex

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"buyscope/internal/model"
)

// CreationTopics returns the topic0 hashes of V2 PairCreated and V3 PoolCreated.
func CreationTopics() ([]common.Hash, error) {
	parsed, err := FactoryABI()
	if err != nil {
		return nil, err
	}
	return []common.Hash{parsed.Events["PairCreated"].ID, parsed.Events["PoolCreated"].ID}, nil
}

// DecodePoolCreation decodes a factory creation log.
func DecodePoolCreation(chainName string, log types.Log) (model.PoolCreation, error) {
	parsed, err := FactoryABI()
	if err != nil {
		return model.PoolCreation{}, err
	}
	if len(log.Topics) == 0 {
		return model.PoolCreation{}, fmt.Errorf("missing topics")
	}

	var event abi.Event
	var kind string
	switch log.Topics[0] {
	case parsed.Events["PairCreated"].ID:
		event, kind = parsed.Events["PairCreated"], "v2"
	case parsed.Events["PoolCreated"].ID:
		event, kind = parsed.Events["PoolCreated"], "v3"
	default:
		return model.PoolCreation{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	topics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return model.PoolCreation{}, err
	}
	if len(topics) < 2 {
		return model.PoolCreation{}, fmt.Errorf("expected token topics")
	}
	token0 := common.BytesToAddress(topics[0].Bytes())
	token1 := common.BytesToAddress(topics[1].Bytes())

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return model.PoolCreation{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}

	var poolValue interface{}
	if kind == "v2" && len(values) >= 1 {
		poolValue = values[0]
	} else if kind == "v3" && len(values) >= 2 {
		poolValue = values[1]
	}
	pool, err := asAddress(poolValue)
	if err != nil {
		return model.PoolCreation{}, fmt.Errorf("pool address: %w", err)
	}

	return model.PoolCreation{
		Chain:       chainName,
		Factory:     strings.ToLower(log.Address.Hex()),
		Pool:        strings.ToLower(pool.Hex()),
		Token0:      strings.ToLower(token0.Hex()),
		Token1:      strings.ToLower(token1.Hex()),
		Kind:        kind,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
	}, nil
}
