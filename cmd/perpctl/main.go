// Command perpctl is the admin tool for governed operations. It computes the
// fingerprint of an instruction at the multisig's current nonce, signs it with
// a local secp256k1 key and can submit the approval to a running perpcustody
// HTTP gateway. It also signs an owner's limit update with the owner's
// account key.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"PerpCustody/internal/core"
	"PerpCustody/internal/governance"
	"PerpCustody/internal/ledger"
	fpmath "PerpCustody/internal/math"
	"PerpCustody/internal/query"
	"PerpCustody/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/joho/godotenv"
)

// Keys read from the environment when the matching flag is omitted.
const (
	keyEnv      = "PERP_ADMIN_KEY"
	payerKeyEnv = "PERP_PAYER_KEY"
	ownerKeyEnv = "PERP_OWNER_KEY"
)

var errUsage = errors.New("usage")

func main() {
	_ = godotenv.Load()
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "perpctl:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: perpctl <command> [flags]")
	fmt.Fprintln(w, "  keygen              - generate an admin key, or an account key with -account")
	fmt.Fprintln(w, "  upgrade-position    - approve migrating a deprecated position")
	fmt.Fprintln(w, "  set-permissions     - approve new open/close permissions")
	fmt.Fprintln(w, "  set-admin-signers   - approve a new admin set")
	fmt.Fprintln(w, "  update-limits       - sign and submit an owner's stop-loss/take-profit change")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  %s  - admin private key (hex) when -key is omitted\n", keyEnv)
	fmt.Fprintf(w, "  %s  - payer account seed (hex) when -payer-key is omitted\n", payerKeyEnv)
	fmt.Fprintf(w, "  %s  - owner account seed (hex) when -owner-key is omitted\n", ownerKeyEnv)
}

// approval is printed for every signed instruction.
type approval struct {
	Kind        string                 `json:"kind"`
	Nonce       uint64                 `json:"nonce"`
	Fingerprint string                 `json:"fingerprint"`
	Admin       string                 `json:"admin"`
	Signature   string                 `json:"signature"`
	Response    map[string]interface{} `json:"response,omitempty"`
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "keygen":
		return keygen(args[1:], out)
	case "upgrade-position":
		return upgradePosition(ctx, args[1:], out)
	case "set-permissions":
		return setPermissions(ctx, args[1:], out)
	case "set-admin-signers":
		return setAdminSigners(ctx, args[1:], out)
	case "update-limits":
		return updateLimits(ctx, args[1:], out)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func keygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	account := fs.Bool("account", false, "generate an ed25519 owner or payer key instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account {
		kp, err := ledger.NewKeypair()
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]string{
			"pubkey": kp.Pubkey().String(),
			"seed":   kp.SeedHex(),
		})
	}
	s, err := governance.GenerateSigner()
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]string{
		"address":     s.Address().Hex(),
		"private_key": s.PrivateKeyHex(),
	})
}

// common flags shared by the signing commands.
type signFlags struct {
	program string
	key     string
	submit  string
	nonce   int64
}

func (f *signFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.program, "program", "", "program id (hex)")
	fs.StringVar(&f.key, "key", "", "admin private key (hex), defaults to $"+keyEnv)
	fs.StringVar(&f.submit, "submit", "", "gateway base URL; when set the approval is posted")
	fs.Int64Var(&f.nonce, "nonce", -1, "multisig nonce to sign for; read from -submit when omitted")
}

// currentNonce is -nonce, or the live multisig's nonce from the gateway.
func (f *signFlags) currentNonce(ctx context.Context) (uint64, error) {
	if f.nonce >= 0 {
		return uint64(f.nonce), nil
	}
	if f.submit == "" {
		return 0, errors.New("-nonce is required without -submit")
	}
	ms, err := get(ctx, f.gateway("/v1/admin/multisig"))
	if err != nil {
		return 0, fmt.Errorf("read multisig: %w", err)
	}
	n, ok := ms["nonce"].(float64)
	if !ok || n < 0 {
		return 0, fmt.Errorf("read multisig: bad nonce %v", ms["nonce"])
	}
	return uint64(n), nil
}

func (f *signFlags) gateway(path string) string {
	return strings.TrimRight(f.submit, "/") + path
}

func (f *signFlags) signer() (*governance.Signer, error) {
	key := f.key
	if key == "" {
		key = os.Getenv(keyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("no admin key: pass -key or set %s", keyEnv)
	}
	return governance.NewSigner(key)
}

func upgradePosition(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("upgrade-position", flag.ContinueOnError)
	var sf signFlags
	sf.register(fs)
	pool := fs.String("pool", "", "pool id (hex)")
	position := fs.String("position", "", "deprecated position id (hex)")
	payerSeed := fs.String("payer-key", "", "seed of the account funding the resize, defaults to $"+payerKeyEnv)
	if err := fs.Parse(args); err != nil {
		return err
	}

	keys, err := parseKeys(map[string]string{"program": sf.program, "pool": *pool, "position": *position})
	if err != nil {
		return err
	}
	ins := core.UpgradeInstruction(keys["program"], keys["pool"], keys["position"])
	return approve(ctx, sf, ins, out, func(sig string, fp common.Hash) (string, map[string]interface{}, error) {
		payer, err := accountKey(*payerSeed, payerKeyEnv, "payer")
		if err != nil {
			return "", nil, err
		}
		// The payer consents to this round's instruction only.
		return "/v1/positions/" + keys["position"].String() + "/upgrade", map[string]interface{}{
			"payer":           payer.Pubkey().String(),
			"payer_signature": hexutil.Encode(payer.Sign(fp.Bytes())),
			"pool":            keys["pool"].String(),
			"signature":       sig,
		}, nil
	})
}

func setPermissions(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("set-permissions", flag.ContinueOnError)
	var sf signFlags
	sf.register(fs)
	custody := fs.String("custody", "", "custody id (hex); empty sets the global flags")
	allowOpen := fs.Bool("allow-open", true, "allow opening positions")
	allowClose := fs.Bool("allow-close", true, "allow closing positions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	program, err := ledger.ParsePubkey(sf.program)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}
	var custodyKey *ledger.Pubkey
	if *custody != "" {
		k, err := ledger.ParsePubkey(*custody)
		if err != nil {
			return fmt.Errorf("custody: %w", err)
		}
		custodyKey = &k
	}

	ins := core.PermissionsInstruction(program, custodyKey, *allowOpen, *allowClose)
	return approve(ctx, sf, ins, out, func(sig string, _ common.Hash) (string, map[string]interface{}, error) {
		body := map[string]interface{}{
			"signature":            sig,
			"allow_open_position":  *allowOpen,
			"allow_close_position": *allowClose,
		}
		if custodyKey != nil {
			body["custody"] = custodyKey.String()
		}
		return "/v1/admin/permissions", body, nil
	})
}

func setAdminSigners(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("set-admin-signers", flag.ContinueOnError)
	var sf signFlags
	sf.register(fs)
	signers := fs.String("signers", "", "comma separated admin addresses")
	minSignatures := fs.Uint("min", 1, "signatures required")
	if err := fs.Parse(args); err != nil {
		return err
	}

	program, err := ledger.ParsePubkey(sf.program)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}
	var addrs []common.Address
	var hexes []interface{}
	for _, s := range strings.Split(*signers, ",") {
		s = strings.TrimSpace(s)
		if !common.IsHexAddress(s) {
			return fmt.Errorf("signers: %q is not an address", s)
		}
		a := common.HexToAddress(s)
		addrs = append(addrs, a)
		hexes = append(hexes, a.Hex())
	}
	if *minSignatures == 0 || *minSignatures > uint(len(addrs)) {
		return fmt.Errorf("min must be between 1 and %d", len(addrs))
	}

	ins := core.AdminSignersInstruction(program, addrs, uint8(*minSignatures))
	return approve(ctx, sf, ins, out, func(sig string, _ common.Hash) (string, map[string]interface{}, error) {
		return "/v1/admin/signers", map[string]interface{}{
			"signature":      sig,
			"signers":        hexes,
			"min_signatures": fmt.Sprint(*minSignatures),
		}, nil
	})
}

// limitsUpdate is printed for a signed limit change.
type limitsUpdate struct {
	Position  string                 `json:"position"`
	Owner     string                 `json:"owner"`
	Deadline  int64                  `json:"deadline"`
	Signature string                 `json:"signature"`
	Response  map[string]interface{} `json:"response,omitempty"`
}

// updateLimits reads the position's current limits from the gateway, signs
// the change with the owner's key and submits it.
func updateLimits(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("update-limits", flag.ContinueOnError)
	program := fs.String("program", "", "program id (hex)")
	position := fs.String("position", "", "position id (hex)")
	ownerSeed := fs.String("owner-key", "", "owner account seed (hex), defaults to $"+ownerKeyEnv)
	stopLoss := fs.String("stop-loss", "", "stop-loss in USD; empty clears it")
	takeProfit := fs.String("take-profit", "", "take-profit in USD; empty clears it")
	ttl := fs.Duration("ttl", time.Minute, "how long the signature stays valid")
	submit := fs.String("submit", "", "gateway base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *submit == "" {
		return errors.New("-submit is required to read the current limits")
	}

	keys, err := parseKeys(map[string]string{"program": *program, "position": *position})
	if err != nil {
		return err
	}
	owner, err := accountKey(*ownerSeed, ownerKeyEnv, "owner")
	if err != nil {
		return err
	}
	newStopLoss, err := parseLimit("stop-loss", *stopLoss)
	if err != nil {
		return err
	}
	newTakeProfit, err := parseLimit("take-profit", *takeProfit)
	if err != nil {
		return err
	}

	base := strings.TrimRight(*submit, "/")
	current, err := get(ctx, base+"/v1/positions/"+keys["position"].String())
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}
	if current["owner"] != owner.Pubkey().String() {
		return fmt.Errorf("position %s is owned by %v, not %s", keys["position"], current["owner"], owner.Pubkey())
	}
	marketKeys, err := parseKeys(map[string]string{"pool": fmt.Sprint(current["pool"]), "custody": fmt.Sprint(current["custody"])})
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}
	prevStopLoss, err := responseLimit(current, "stop_loss")
	if err != nil {
		return err
	}
	prevTakeProfit, err := responseLimit(current, "take_profit")
	if err != nil {
		return err
	}

	req := core.SignLimits(keys["program"], owner, core.LimitsApproval{
		Position:       keys["position"],
		PrevStopLoss:   prevStopLoss,
		PrevTakeProfit: prevTakeProfit,
		StopLoss:       newStopLoss,
		TakeProfit:     newTakeProfit,
		Deadline:       time.Now().Add(*ttl).Unix(),
	}, marketKeys["pool"], marketKeys["custody"])

	body := map[string]interface{}{
		"owner":     req.Owner.String(),
		"pool":      req.Pool.String(),
		"custody":   req.Custody.String(),
		"deadline":  strconv.FormatInt(req.Deadline, 10),
		"signature": hexutil.Encode(req.Signature),
	}
	if *stopLoss != "" {
		body["stop_loss"] = *stopLoss
	}
	if *takeProfit != "" {
		body["take_profit"] = *takeProfit
	}
	res := limitsUpdate{
		Position:  req.Position.String(),
		Owner:     req.Owner.String(),
		Deadline:  req.Deadline,
		Signature: hexutil.Encode(req.Signature),
	}
	res.Response, err = post(ctx, base+"/v1/positions/"+req.Position.String()+"/limits", body)
	if err != nil {
		return err
	}
	return writeJSON(out, res)
}

func parseLimit(name, s string) (state.Limit, error) {
	if s == "" {
		return state.Limit{}, nil
	}
	v, ok := query.ParseFixed(s, fpmath.USDDecimals)
	if !ok {
		return state.Limit{}, fmt.Errorf("%s: %q is not a USD amount", name, s)
	}
	return state.SomeLimit(v), nil
}

// responseLimit reads a limit from a position response; null is unset.
func responseLimit(resp map[string]interface{}, field string) (state.Limit, error) {
	s, ok := resp[field].(string)
	if !ok {
		return state.Limit{}, nil
	}
	return parseLimit(field, s)
}

// accountKey loads an ed25519 account key from seed, or from env.
func accountKey(seed, env, name string) (ledger.Keypair, error) {
	if seed == "" {
		seed = os.Getenv(env)
	}
	if seed == "" {
		return ledger.Keypair{}, fmt.Errorf("no %s key: pass -%s-key or set %s", name, name, env)
	}
	kp, err := ledger.KeypairFromSeedHex(seed)
	if err != nil {
		return ledger.Keypair{}, fmt.Errorf("%s key: %w", name, err)
	}
	return kp, nil
}

// requestFunc builds the gateway path and body for a signature over fp.
type requestFunc func(signature string, fp common.Hash) (string, map[string]interface{}, error)

func approve(ctx context.Context, sf signFlags, ins governance.Instruction, out io.Writer, build requestFunc) error {
	signer, err := sf.signer()
	if err != nil {
		return err
	}
	nonce, err := sf.currentNonce(ctx)
	if err != nil {
		return err
	}
	ins = ins.WithNonce(nonce)
	fp := ins.Fingerprint()
	sig, err := signer.Sign(fp)
	if err != nil {
		return err
	}

	res := approval{
		Kind:        ins.Kind,
		Nonce:       nonce,
		Fingerprint: fp.Hex(),
		Admin:       signer.Address().Hex(),
		Signature:   hexutil.Encode(sig),
	}
	if sf.submit != "" {
		path, body, err := build(res.Signature, fp)
		if err != nil {
			return err
		}
		res.Response, err = post(ctx, sf.gateway(path), body)
		if err != nil {
			return err
		}
	}
	return writeJSON(out, res)
}

func post(ctx context.Context, url string, body map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, "submit")
}

func get(ctx context.Context, url string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return do(req, "fetch")
}

func do(req *http.Request, what string) (map[string]interface{}, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%s: decode %s response: %w", what, resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s: %v", what, resp.Status, decoded["message"])
	}
	return decoded, nil
}

func parseKeys(named map[string]string) (map[string]ledger.Pubkey, error) {
	out := make(map[string]ledger.Pubkey, len(named))
	for name, s := range named {
		k, err := ledger.ParsePubkey(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = k
	}
	return out, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
