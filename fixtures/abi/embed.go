package abi

import _ "embed"

// Token ABIs used to derive selectors and to encode metadata calls.

//go:embed erc20_metadata.json
var ERC20Metadata []byte

//go:embed erc677.json
var ERC677 []byte
