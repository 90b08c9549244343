package userop

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Well-known v0.6 deployment addresses for single-owner smart accounts.
var (
	DefaultEntryPointAddress     = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	DefaultAccountFactoryAddress = common.HexToAddress("0x000000a56Aaca3e9a4C479ea6b6CD0DbcB6634F5")
	DefaultECDSAOwnershipModule  = common.HexToAddress("0x0000001c5b32F37F5beA87BDD5374eB2aC54eA8e")
	dummyECDSASignature          = hexutil.MustDecode("0x73c3ac716c487ca34bb858247b5ccf1dc354fbaabdd089af3b2ac8e78ba85a4959a2d76250325bd67c11771c31fccda87c33ceec17cc0de912690521bb95ffcb1b")
)

// Contract methods used by the mint workflow
const (
	MethodSafeMint                 = "safeMint"
	MethodExecute                  = "execute_ncC"
	MethodInitForSmartAccount      = "initForSmartAccount"
	MethodGetCounterfactualAddress = "getAddressForCounterfactualAccount"
	MethodDeployCounterfactual     = "deployCounterfactualAccount"
	MethodGetNonce                 = "getNonce"
)

const nftABIJSON = `[
	{"name":"safeMint","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"}],"outputs":[]}
]`

const accountABIJSON = `[
	{"name":"execute_ncC","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]}
]`

const moduleABIJSON = `[
	{"name":"initForSmartAccount","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"eoaOwner","type":"address"}],"outputs":[{"name":"","type":"address"}]}
]`

const factoryABIJSON = `[
	{"name":"getAddressForCounterfactualAccount","type":"function","stateMutability":"view",
	 "inputs":[{"name":"moduleSetupContract","type":"address"},{"name":"moduleSetupData","type":"bytes"},{"name":"index","type":"uint256"}],
	 "outputs":[{"name":"_account","type":"address"}]},
	{"name":"deployCounterfactualAccount","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"moduleSetupContract","type":"address"},{"name":"moduleSetupData","type":"bytes"},{"name":"index","type":"uint256"}],
	 "outputs":[{"name":"proxy","type":"address"}]}
]`

const entryPointABIJSON = `[
	{"name":"getNonce","type":"function","stateMutability":"view",
	 "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
	 "outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	nftABI        = mustParseABI(nftABIJSON)
	accountABI    = mustParseABI(accountABIJSON)
	moduleABI     = mustParseABI(moduleABIJSON)
	factoryABI    = mustParseABI(factoryABIJSON)
	entryPointABI = mustParseABI(entryPointABIJSON)

	addressT = mustType("address")
	uint256T = mustType("uint256")
	bytes32T = mustType("bytes32")
	bytesT   = mustType("bytes")

	moduleSignatureArgs = abi.Arguments{{Type: bytesT}, {Type: addressT}}
)

// EncodeSafeMint returns call data for NFT.safeMint(to).
func EncodeSafeMint(to common.Address) ([]byte, error) {
	return nftABI.Pack(MethodSafeMint, to)
}

// EncodeExecute returns call data for a single call executed by the smart account.
func EncodeExecute(dest common.Address, value *big.Int, data []byte) ([]byte, error) {
	return accountABI.Pack(MethodExecute, dest, orZero(value), data)
}

// EncodeModuleSetup returns the ECDSA ownership module setup data for owner.
func EncodeModuleSetup(owner common.Address) ([]byte, error) {
	return moduleABI.Pack(MethodInitForSmartAccount, owner)
}

// EncodeGetCounterfactualAddress returns call data for the factory address lookup.
func EncodeGetCounterfactualAddress(module common.Address, setupData []byte, index *big.Int) ([]byte, error) {
	return factoryABI.Pack(MethodGetCounterfactualAddress, module, setupData, orZero(index))
}

// DecodeCounterfactualAddress unpacks the factory address lookup result.
func DecodeCounterfactualAddress(out []byte) (common.Address, error) {
	values, err := factoryABI.Unpack(MethodGetCounterfactualAddress, out)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unpack %s result: %w", MethodGetCounterfactualAddress, err)
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("unexpected %s result length %d", MethodGetCounterfactualAddress, len(values))
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected %s result type %T", MethodGetCounterfactualAddress, values[0])
	}
	return addr, nil
}

// EncodeInitCode returns the init code that deploys the account on its first operation.
func EncodeInitCode(factory, module common.Address, setupData []byte, index *big.Int) ([]byte, error) {
	data, err := factoryABI.Pack(MethodDeployCounterfactual, module, setupData, orZero(index))
	if err != nil {
		return nil, err
	}
	return append(factory.Bytes(), data...), nil
}

// EncodeGetNonce returns call data for EntryPoint.getNonce(sender, key).
func EncodeGetNonce(sender common.Address, key *big.Int) ([]byte, error) {
	return entryPointABI.Pack(MethodGetNonce, sender, orZero(key))
}

// DecodeNonce unpacks the EntryPoint.getNonce result.
func DecodeNonce(out []byte) (*big.Int, error) {
	values, err := entryPointABI.Unpack(MethodGetNonce, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", MethodGetNonce, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s result length %d", MethodGetNonce, len(values))
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", MethodGetNonce, values[0])
	}
	return nonce, nil
}

// EncodeModuleSignature wraps an owner signature for validation by module.
func EncodeModuleSignature(signature []byte, module common.Address) ([]byte, error) {
	return moduleSignatureArgs.Pack(signature, module)
}

// DecodeModuleSignature splits a module-wrapped signature.
func DecodeModuleSignature(data []byte) ([]byte, common.Address, error) {
	values, err := moduleSignatureArgs.Unpack(data)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("failed to unpack module signature: %w", err)
	}
	sig, _ := values[0].([]byte)
	module, _ := values[1].(common.Address)
	return sig, module, nil
}

// DummySignature is a well-formed module signature used while estimating gas.
func DummySignature(module common.Address) ([]byte, error) {
	return EncodeModuleSignature(dummyECDSASignature, module)
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("userop: invalid ABI: %v", err))
	}
	return parsed
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("userop: invalid ABI type %s: %v", t, err))
	}
	return typ
}
