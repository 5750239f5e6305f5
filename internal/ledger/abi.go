package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// acpABIJSON covers the v1 job/memo entry points plus the account and read
// extensions deployed alongside them. JobCreated carries the job id as its
// only non-indexed field; that event is the sole source of new job ids.
const acpABIJSON = `[
	{"type":"function","name":"createJob","stateMutability":"nonpayable",
	 "inputs":[{"name":"provider","type":"address"},{"name":"evaluator","type":"address"},{"name":"expiredAt","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"createJobWithAccount","stateMutability":"nonpayable",
	 "inputs":[{"name":"accountId","type":"uint256"},{"name":"evaluator","type":"address"},{"name":"budget","type":"uint256"},{"name":"paymentToken","type":"address"},{"name":"expiredAt","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"createMemo","stateMutability":"nonpayable",
	 "inputs":[{"name":"jobId","type":"uint256"},{"name":"content","type":"string"},{"name":"memoType","type":"uint8"},{"name":"isSecured","type":"bool"},{"name":"nextPhase","type":"uint8"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"createPayableMemo","stateMutability":"nonpayable",
	 "inputs":[{"name":"jobId","type":"uint256"},{"name":"content","type":"string"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"},{"name":"feeAmount","type":"uint256"},{"name":"feeType","type":"uint8"},{"name":"memoType","type":"uint8"},{"name":"nextPhase","type":"uint8"},{"name":"expiredAt","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"signMemo","stateMutability":"nonpayable",
	 "inputs":[{"name":"memoId","type":"uint256"},{"name":"isApproved","type":"bool"},{"name":"reason","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"setBudget","stateMutability":"nonpayable",
	 "inputs":[{"name":"jobId","type":"uint256"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"setBudgetWithPaymentToken","stateMutability":"nonpayable",
	 "inputs":[{"name":"jobId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"jobPaymentToken_","type":"address"}],
	 "outputs":[]},
	{"type":"function","name":"createAccount","stateMutability":"nonpayable",
	 "inputs":[{"name":"provider","type":"address"},{"name":"metadata","type":"string"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"updateAccountMetadata","stateMutability":"nonpayable",
	 "inputs":[{"name":"accountId","type":"uint256"},{"name":"metadata","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"getAccount","stateMutability":"view",
	 "inputs":[{"name":"accountId","type":"uint256"}],
	 "outputs":[{"name":"id","type":"uint256"},{"name":"client","type":"address"},{"name":"provider","type":"address"},{"name":"createdAt","type":"uint256"},{"name":"metadata","type":"string"},{"name":"jobCount","type":"uint256"},{"name":"completedJobCount","type":"uint256"},{"name":"isActive","type":"bool"}]},
	{"type":"function","name":"getAllMemos","stateMutability":"view",
	 "inputs":[{"name":"jobId","type":"uint256"},{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],
	 "outputs":[{"name":"memos","type":"tuple[]","components":[
		{"name":"id","type":"uint256"},{"name":"jobId","type":"uint256"},{"name":"sender","type":"address"},{"name":"content","type":"string"},
		{"name":"memoType","type":"uint8"},{"name":"createdAt","type":"uint256"},{"name":"isApproved","type":"bool"},{"name":"approvedBy","type":"address"},
		{"name":"approvedAt","type":"uint256"},{"name":"requiresApproval","type":"bool"},{"name":"metadata","type":"string"},{"name":"isSecured","type":"bool"},
		{"name":"nextPhase","type":"uint8"},{"name":"expiredAt","type":"uint256"}]},
	  {"name":"total","type":"uint256"}]},
	{"type":"function","name":"getMemosForPhase","stateMutability":"view",
	 "inputs":[{"name":"jobId","type":"uint256"},{"name":"phase","type":"uint8"},{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],
	 "outputs":[{"name":"memos","type":"tuple[]","components":[
		{"name":"id","type":"uint256"},{"name":"jobId","type":"uint256"},{"name":"sender","type":"address"},{"name":"content","type":"string"},
		{"name":"memoType","type":"uint8"},{"name":"createdAt","type":"uint256"},{"name":"isApproved","type":"bool"},{"name":"approvedBy","type":"address"},
		{"name":"approvedAt","type":"uint256"},{"name":"requiresApproval","type":"bool"},{"name":"metadata","type":"string"},{"name":"isSecured","type":"bool"},
		{"name":"nextPhase","type":"uint8"},{"name":"expiredAt","type":"uint256"}]},
	  {"name":"total","type":"uint256"}]},
	{"type":"function","name":"canSign","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"},{"name":"jobId","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"isJobEvaluator","stateMutability":"view",
	 "inputs":[{"name":"jobId","type":"uint256"},{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"x402PaymentDetails","stateMutability":"view",
	 "inputs":[{"name":"jobId","type":"uint256"}],
	 "outputs":[{"name":"isX402","type":"bool"},{"name":"isBudgetReceived","type":"bool"}]},
	{"type":"event","name":"JobCreated","anonymous":false,
	 "inputs":[{"name":"jobId","type":"uint256","indexed":false},{"name":"client","type":"address","indexed":true},{"name":"provider","type":"address","indexed":true},{"name":"evaluator","type":"address","indexed":true}]},
	{"type":"event","name":"NewMemo","anonymous":false,
	 "inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"memoId","type":"uint256","indexed":false},{"name":"content","type":"string","indexed":false}]},
	{"type":"event","name":"MemoSigned","anonymous":false,
	 "inputs":[{"name":"memoId","type":"uint256","indexed":false},{"name":"isApproved","type":"bool","indexed":false},{"name":"reason","type":"string","indexed":false}]},
	{"type":"event","name":"JobPhaseUpdated","anonymous":false,
	 "inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"oldPhase","type":"uint8","indexed":false},{"name":"phase","type":"uint8","indexed":false}]},
	{"type":"event","name":"BudgetSet","anonymous":false,
	 "inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"newBudget","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"balance","type":"uint256"}]},
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

// The modular smart account the delegated signer routes calls through.
const smartAccountABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]}
]`

var (
	acpABI          = mustParseABI("acp", acpABIJSON)
	erc20ABI        = mustParseABI("erc20", erc20ABIJSON)
	smartAccountABI = mustParseABI("smart account", smartAccountABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid %s abi: %v", name, err))
	}
	return parsed
}
