package explorer

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/txplain/explorercache/internal/models"
)

const notVerifiedText = "contract source code not verified"

func isNotVerifiedText(s string) bool {
	return strings.Contains(strings.ToLower(s), notVerifiedText)
}

// sourceCodeResult is one element of a getsourcecode result
type sourceCodeResult struct {
	SourceCode           string `json:"SourceCode"`
	ABI                  string `json:"ABI"`
	ContractName         string `json:"ContractName"`
	CompilerVersion      string `json:"CompilerVersion"`
	OptimizationUsed     string `json:"OptimizationUsed"`
	Runs                 string `json:"Runs"`
	ConstructorArguments string `json:"ConstructorArguments"`
	EVMVersion           string `json:"EVMVersion"`
	Library              string `json:"Library"`
	LicenseType          string `json:"LicenseType"`
	Proxy                string `json:"Proxy"`
	Implementation       string `json:"Implementation"`
	SwarmSource          string `json:"SwarmSource"`
}

type creationResult struct {
	ContractAddress string `json:"contractAddress"`
	ContractCreator string `json:"contractCreator"`
	TxHash          string `json:"txHash"`
}

func decodeSource(raw json.RawMessage) (models.ContractData, error) {
	var results []sourceCodeResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, &decodeError{err: err}
	}
	if len(results) == 0 {
		return nil, &APIError{Message: "empty getsourcecode result"}
	}
	r := results[0]
	if isNotVerifiedText(r.ABI) || strings.TrimSpace(r.SourceCode) == "" {
		return nil, ErrNotVerified
	}

	runs, _ := strconv.Atoi(strings.TrimSpace(r.Runs))
	d := models.SourceData{
		ContractName:         r.ContractName,
		CompilerVersion:      r.CompilerVersion,
		OptimizationUsed:     r.OptimizationUsed == "1",
		OptimizationRuns:     runs,
		ConstructorArguments: r.ConstructorArguments,
		EVMVersion:           r.EVMVersion,
		Library:              r.Library,
		LicenseType:          r.LicenseType,
		Proxy:                r.Proxy == "1",
		Implementation:       models.NormalizeAddress(r.Implementation),
		SwarmSource:          r.SwarmSource,
		SourceCode:           r.SourceCode,
		IsVerified:           true,
	}
	if json.Valid([]byte(r.ABI)) {
		d.ABI = json.RawMessage(r.ABI)
	}

	d.ParsedSources = parseSources(r.SourceCode)
	d.SourceFileCount = len(d.ParsedSources)
	if d.SourceFileCount == 0 {
		d.SourceFileCount = 1
	}
	lines := 0
	if len(d.ParsedSources) > 0 {
		for _, content := range d.ParsedSources {
			lines += strings.Count(content, "\n") + 1
		}
	} else {
		lines = strings.Count(d.SourceCode, "\n") + 1
	}
	d.SourceLineCount = lines
	d.SourceComplete = d.ABI != nil && d.CompilerVersion != ""
	return d, nil
}

// parseSources splits multi-file sources. Etherscan returns standard JSON
// input wrapped in an extra pair of braces, or a bare {"file": {"content"}} map.
func parseSources(source string) map[string]string {
	s := strings.TrimSpace(source)
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
		s = s[1 : len(s)-1]
	}

	var input struct {
		Sources map[string]sourceFile `json:"sources"`
	}
	if err := json.Unmarshal([]byte(s), &input); err == nil && len(input.Sources) > 0 {
		return contents(input.Sources)
	}
	var bare map[string]sourceFile
	if err := json.Unmarshal([]byte(s), &bare); err == nil && len(bare) > 0 {
		return contents(bare)
	}
	return nil
}

type sourceFile struct {
	Content string `json:"content"`
}

func contents(files map[string]sourceFile) map[string]string {
	out := make(map[string]string, len(files))
	for name, f := range files {
		out[name] = f.Content
	}
	return out
}

func decodeABI(raw json.RawMessage) (models.ContractData, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, &decodeError{err: err}
	}
	if isNotVerifiedText(text) {
		return nil, ErrNotVerified
	}
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, &decodeError{err: err}
	}
	return models.ABIData{ABI: json.RawMessage(text), ABIComplete: len(entries) > 0}, nil
}

func decodeCreation(raw json.RawMessage) (models.ContractData, error) {
	var results []creationResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, &decodeError{err: err}
	}
	if len(results) == 0 {
		return nil, &APIError{Message: "empty getcontractcreation result"}
	}
	return models.CreationData{
		CreatorAddress: models.NormalizeAddress(results[0].ContractCreator),
		CreationTxHash: strings.ToLower(results[0].TxHash),
	}, nil
}
