package normalize

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	fixtureabi "github.com/AIAleph/bridgeprobe/fixtures/abi"
	"golang.org/x/crypto/sha3"
)

// Selector and topic tables are derived from the embedded token ABIs.
type abiArgument struct {
	Type string `json:"type"`
}

type abiItem struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Inputs []abiArgument `json:"inputs"`
}

var (
	selectorNames map[string]string

	topicTransferFull  string
	selTransferAndCall string
)

func init() {
	selectorNames = make(map[string]string)
	loadStandardABI("erc20", fixtureabi.ERC20Metadata)
	loadStandardABI("erc677", fixtureabi.ERC677)
	ensureDefaults()
}

func loadStandardABI(label string, raw []byte) {
	if len(raw) == 0 {
		return
	}
	var items []abiItem
	if err := json.Unmarshal(raw, &items); err != nil {
		panic(fmt.Sprintf("normalize: unable to parse %s ABI: %v", label, err))
	}
	for _, item := range items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		switch item.Type {
		case "function":
			selector := functionSelector(name, item.Inputs)
			if selector == "" {
				continue
			}
			if _, exists := selectorNames[selector]; !exists {
				selectorNames[selector] = name
			}
			if name == "transferAndCall" {
				selTransferAndCall = selector
			}
		case "event":
			// ERC-677 redeclares Transfer with a data field; only the
			// three-argument ERC-20 form is emitted on plain transfers.
			if strings.EqualFold(name, "transfer") && len(item.Inputs) == 3 {
				topicTransferFull = eventTopic(name, item.Inputs)
			}
		}
	}
}

func ensureDefaults() {
	if topicTransferFull == "" {
		topicTransferFull = mustEventTopic("Transfer", []string{"address", "address", "uint256"})
	}
	if selTransferAndCall == "" {
		selTransferAndCall = FunctionSelector("transferAndCall(address,uint256,bytes)")
	}
}

// TopicTransfer is the ERC-20 Transfer(address,address,uint256) topic0.
func TopicTransfer() string { return topicTransferFull }

// SelectorTransferAndCall is the ERC-677 transferAndCall selector.
func SelectorTransferAndCall() string { return selTransferAndCall }

// SelectorName returns the ABI label for a known selector.
func SelectorName(selector string) (string, bool) {
	name, ok := selectorNames[strings.ToLower(selector)]
	return name, ok
}

// FunctionSelector hashes a canonical signature such as "burn(uint256)" and
// returns the 0x-prefixed 4-byte selector. Whitespace inside the signature is
// ignored; an empty or malformed signature yields "".
func FunctionSelector(sig string) string {
	sig = strings.ReplaceAll(strings.TrimSpace(sig), " ", "")
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return ""
	}
	return keccakHex(sig, 4)
}

// EventTopic hashes a canonical event signature into a 32-byte topic.
func EventTopic(sig string) string {
	sig = strings.ReplaceAll(strings.TrimSpace(sig), " ", "")
	if strings.IndexByte(sig, '(') <= 0 || !strings.HasSuffix(sig, ")") {
		return ""
	}
	return keccakHex(sig, 32)
}

func functionSelector(name string, inputs []abiArgument) string {
	sig := signature(name, inputs)
	if sig == "" {
		return ""
	}
	return keccakHex(sig, 4)
}

func eventTopic(name string, inputs []abiArgument) string {
	sig := signature(name, inputs)
	if sig == "" {
		return ""
	}
	return keccakHex(sig, 32)
}

func mustEventTopic(name string, types []string) string {
	args := make([]abiArgument, len(types))
	for i, t := range types {
		args[i] = abiArgument{Type: t}
	}
	return eventTopic(name, args)
}

func signature(name string, inputs []abiArgument) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	types := make([]string, len(inputs))
	for i, arg := range inputs {
		typeName := strings.ReplaceAll(strings.TrimSpace(arg.Type), " ", "")
		if typeName == "" {
			return ""
		}
		types[i] = typeName
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(types, ","))
}

func keccakHex(sig string, size int) string {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(sig))
	sum := hasher.Sum(nil)
	if size > len(sum) {
		size = len(sum)
	}
	return "0x" + hex.EncodeToString(sum[:size])
}
