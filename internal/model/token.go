package model

// TokenMeta captures ERC20 metadata.
type TokenMeta struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
}

// PoolCreation is a newly deployed pool observed on a factory.
type PoolCreation struct {
	Chain       string `json:"chain"`
	Factory     string `json:"factory"`
	Pool        string `json:"pool"`
	Token0      string `json:"token0"`
	Token1      string `json:"token1"`
	Kind        string `json:"kind"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
}
