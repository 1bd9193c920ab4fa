package model

type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBase     Chain = "base"
	ChainArbitrum Chain = "arbitrum"
	ChainOptimism Chain = "optimism"
	ChainPolygon  Chain = "polygon"
)

func (c Chain) String() string {
	return string(c)
}

// KnownChains lists every chain the ingestion layer can be configured for.
func KnownChains() []Chain {
	return []Chain{ChainEthereum, ChainBase, ChainArbitrum, ChainOptimism, ChainPolygon}
}

func IsKnownChain(c Chain) bool {
	for _, k := range KnownChains() {
		if k == c {
			return true
		}
	}
	return false
}
