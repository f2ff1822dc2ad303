package dex

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"buyscope/internal/model"
)

// SwapDecoder decodes V2, V3 and PancakeSwap V3 pool Swap logs into model.SwapEvent.
type SwapDecoder struct {
	events map[common.Hash]swapShape
	topics map[model.ProtocolVersion]common.Hash
}

type swapShape struct {
	version model.ProtocolVersion
	event   abi.Event
}

// NewSwapDecoder builds a decoder covering every supported Swap event shape.
func NewSwapDecoder() (*SwapDecoder, error) {
	v2, err := V2PairABI()
	if err != nil {
		return nil, fmt.Errorf("parse v2 abi: %w", err)
	}
	v3, err := V3PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse v3 abi: %w", err)
	}
	pancake, err := PancakeV3PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pancake v3 abi: %w", err)
	}

	d := &SwapDecoder{
		events: make(map[common.Hash]swapShape, 3),
		topics: make(map[model.ProtocolVersion]common.Hash, 3),
	}
	for version, parsed := range map[model.ProtocolVersion]abi.ABI{
		model.ProtocolV2:        v2,
		model.ProtocolV3:        v3,
		model.ProtocolPancakeV3: pancake,
	} {
		event := parsed.Events["Swap"]
		d.events[event.ID] = swapShape{version: version, event: event}
		d.topics[version] = event.ID
	}
	return d, nil
}

// Versions lists supported protocol versions in a stable order.
func (d *SwapDecoder) Versions() []model.ProtocolVersion {
	return []model.ProtocolVersion{model.ProtocolV2, model.ProtocolV3, model.ProtocolPancakeV3}
}

// Topic returns the Swap topic0 for a protocol version.
func (d *SwapDecoder) Topic(version model.ProtocolVersion) common.Hash {
	return d.topics[version]
}

// CanDecode checks if the topic0 is supported.
func (d *SwapDecoder) CanDecode(topic0 common.Hash) bool {
	_, ok := d.events[topic0]
	return ok
}

// Decode converts a raw log into a SwapEvent for the given chain.
func (d *SwapDecoder) Decode(chainName string, log types.Log) (model.SwapEvent, error) {
	if len(log.Topics) == 0 {
		return model.SwapEvent{}, fmt.Errorf("missing topics")
	}
	shape, ok := d.events[log.Topics[0]]
	if !ok {
		return model.SwapEvent{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	out := model.SwapEvent{
		Version:     shape.version,
		Chain:       chainName,
		Pool:        strings.ToLower(log.Address.Hex()),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
	}

	indexedTopics, err := parseIndexedTopics(shape.event, log.Topics)
	if err != nil {
		return model.SwapEvent{}, err
	}
	values, err := shape.event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return model.SwapEvent{}, fmt.Errorf("unpack %s: %w", shape.event.Name, err)
	}

	switch shape.version {
	case model.ProtocolV2:
		return d.decodeReserve(out, shape.event, indexedTopics, values)
	default:
		return d.decodeDelta(out, shape.event, indexedTopics, values)
	}
}

func (d *SwapDecoder) decodeReserve(out model.SwapEvent, event abi.Event, topics []common.Hash, values []interface{}) (model.SwapEvent, error) {
	var indexed struct {
		Sender common.Address
		To     common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), topics); err != nil {
		return model.SwapEvent{}, fmt.Errorf("parse topics: %w", err)
	}
	if len(values) != 4 {
		return model.SwapEvent{}, fmt.Errorf("unexpected v2 swap values: %d", len(values))
	}

	amounts := make([]*big.Int, 0, 4)
	for _, value := range values {
		amount, err := asBigInt(value)
		if err != nil {
			return model.SwapEvent{}, err
		}
		amounts = append(amounts, amount)
	}

	out.Kind = model.ReserveSwap
	out.Sender = strings.ToLower(indexed.Sender.Hex())
	out.Recipient = strings.ToLower(indexed.To.Hex())
	out.Reserve = &model.ReserveAmounts{
		Amount0In:  amounts[0],
		Amount1In:  amounts[1],
		Amount0Out: amounts[2],
		Amount1Out: amounts[3],
	}
	return out, nil
}

func (d *SwapDecoder) decodeDelta(out model.SwapEvent, event abi.Event, topics []common.Hash, values []interface{}) (model.SwapEvent, error) {
	var indexed struct {
		Sender    common.Address
		Recipient common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), topics); err != nil {
		return model.SwapEvent{}, fmt.Errorf("parse topics: %w", err)
	}
	if len(values) < 2 {
		return model.SwapEvent{}, fmt.Errorf("unexpected %s swap values: %d", out.Version, len(values))
	}

	amount0, err := asBigInt(values[0])
	if err != nil {
		return model.SwapEvent{}, err
	}
	amount1, err := asBigInt(values[1])
	if err != nil {
		return model.SwapEvent{}, err
	}

	out.Kind = model.DeltaSwap
	out.Sender = strings.ToLower(indexed.Sender.Hex())
	out.Recipient = strings.ToLower(indexed.Recipient.Hex())
	out.Delta = &model.DeltaAmounts{Amount0: amount0, Amount1: amount1}
	return out, nil
}

func parseIndexedTopics(event abi.Event, topics []common.Hash) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return topics[1:], nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
