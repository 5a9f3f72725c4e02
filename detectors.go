package intelliceil

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// InjectionRule is one compiled attack-pattern matcher. Rules live in a
// single table per category so tests can enumerate and assert every rule
// independently.
type InjectionRule struct {
	Name    string
	Pattern *regexp.Regexp
}

var sqlInjectionRules = compileRules(map[string]string{
	"union_select":       `(?i)union[\s/*]+(all[\s/*]+)?select`,
	"or_true_numeric":    `(?i)\bor\b\s+\d+\s*=\s*\d+`,
	"or_true_quoted":     `(?i)'\s*or\s*'[^']*'\s*=\s*'`,
	"and_true_quoted":    `(?i)'\s*and\s*'[^']*'\s*=\s*'`,
	"quote_or_quote":     `(?i)'\s*or\s+'`,
	"comment_dashes":     `--`,
	"comment_block":      `/\*.*\*/`,
	"comment_hash":       `(?i)#\s*$`,
	"stacked_drop":       `(?i);\s*drop\s+(table|database)`,
	"stacked_delete":     `(?i);\s*delete\s+from`,
	"stacked_insert":     `(?i);\s*insert\s+into`,
	"stacked_update":     `(?i);\s*update\s+\w+\s+set`,
	"stacked_exec":       `(?i);\s*exec(\s|\()`,
	"xp_cmdshell":        `(?i)xp_cmdshell`,
	"information_schema": `(?i)information_schema`,
	"sleep_call":         `(?i)\bsleep\s*\(`,
	"benchmark_call":     `(?i)\bbenchmark\s*\(`,
	"waitfor_delay":      `(?i)waitfor\s+delay`,
	"pg_sleep":           `(?i)pg_sleep\s*\(`,
	"load_file":          `(?i)load_file\s*\(`,
	"into_outfile":       `(?i)into\s+(out|dump)file`,
	"hex_prefix":         `(?i)\b0x[0-9a-f]{8,}`,
	"version_probe":      `(?i)@@version`,
	"order_by_probe":     `(?i)order\s+by\s+\d+\s*(--|#)`,
})

var xssRules = compileRules(map[string]string{
	"script_tag":        `(?i)<\s*script`,
	"script_close":      `(?i)<\s*/\s*script`,
	"javascript_scheme": `(?i)javascript\s*:`,
	"vbscript_scheme":   `(?i)vbscript\s*:`,
	"event_handler":     `(?i)\bon[a-z]+\s*=`,
	"iframe_tag":        `(?i)<\s*iframe`,
	"object_tag":        `(?i)<\s*object`,
	"embed_tag":         `(?i)<\s*embed`,
	"svg_tag":           `(?i)<\s*svg`,
	"img_error":         `(?i)<\s*img[^>]*onerror`,
	"body_onload":       `(?i)<\s*body[^>]*onload`,
	"link_javascript":   `(?i)<\s*link[^>]*javascript`,
	"alert_call":        `(?i)\balert\s*\(`,
	"prompt_call":       `(?i)\bprompt\s*\(`,
	"confirm_call":      `(?i)\bconfirm\s*\(`,
	"eval_call":         `(?i)\beval\s*\(`,
	"expression_call":   `(?i)expression\s*\(`,
	"document_cookie":   `(?i)document\s*\.\s*cookie`,
	"document_write":    `(?i)document\s*\.\s*write`,
	"window_location":   `(?i)window\s*\.\s*location`,
	"from_char_code":    `(?i)String\s*\.\s*fromCharCode`,
	"data_html_uri":     `(?i)data\s*:\s*text/html`,
	"srcdoc_attr":       `(?i)srcdoc\s*=`,
	"encoded_script":    `(?i)%3c\s*script`,
})

// honeypotPaths are trap endpoints no legitimate client ever calls. The set
// is fixed by design: operators cannot accidentally whitelist a trap.
var honeypotPaths = map[string]struct{}{
	"/wp-admin":         {},
	"/wp-login.php":     {},
	"/xmlrpc.php":       {},
	"/.env":             {},
	"/.env.local":       {},
	"/.git/config":      {},
	"/.aws/credentials": {},
	"/phpmyadmin":       {},
	"/pma":              {},
	"/admin.php":        {},
	"/shell.php":        {},
	"/config.php":       {},
	"/backup.sql":       {},
	"/actuator/env":     {},
	"/owa/auth":         {},
	"/hnap1":            {},
}

var honeypotPrefixes = []string{
	"/wp-admin/",
	"/phpmyadmin/",
	"/cgi-bin/",
	"/vendor/phpunit/",
	"/boaform/",
}

func compileRules(exprs map[string]string) []InjectionRule {
	rules := make([]InjectionRule, 0, len(exprs))
	for name, expr := range exprs {
		rules = append(rules, InjectionRule{Name: name, Pattern: regexp.MustCompile(expr)})
	}
	return rules
}

// SecurityDetectors holds the stateless pattern engines. Construct once and
// share; matching allocates nothing beyond the regexp engine's own state.
type SecurityDetectors struct{}

func NewSecurityDetectors() *SecurityDetectors {
	return &SecurityDetectors{}
}

// SQLRules exposes the rule table for tests and the status API.
func (d *SecurityDetectors) SQLRules() []InjectionRule { return sqlInjectionRules }

// XSSRules exposes the rule table for tests and the status API.
func (d *SecurityDetectors) XSSRules() []InjectionRule { return xssRules }

// MatchSQLInjection checks one already-decoded input against the SQLi table
// and returns the first matching rule name.
func (d *SecurityDetectors) MatchSQLInjection(input string) (string, bool) {
	return matchRules(sqlInjectionRules, input)
}

// MatchXSS checks one already-decoded input against the XSS table.
func (d *SecurityDetectors) MatchXSS(input string) (string, bool) {
	return matchRules(xssRules, input)
}

// ScanSQLInjection runs the SQLi table over the request's decoded query
// string, body and inspectable headers.
func (d *SecurityDetectors) ScanSQLInjection(req *RequestContext) (string, bool) {
	return scanRequest(req, d.MatchSQLInjection)
}

// ScanXSS runs the XSS table over the same surfaces.
func (d *SecurityDetectors) ScanXSS(req *RequestContext) (string, bool) {
	return scanRequest(req, d.MatchXSS)
}

func scanRequest(req *RequestContext, match func(string) (string, bool)) (string, bool) {
	if rule, hit := match(decodeInput(req.Query)); hit {
		return "query:" + rule, true
	}
	if len(req.Body) > 0 {
		if rule, hit := match(decodeInput(string(req.Body))); hit {
			return "body:" + rule, true
		}
	}
	for _, name := range []string{"referer", "user-agent", "x-forwarded-for", "cookie"} {
		if value, ok := req.Headers[name]; ok && value != "" {
			if rule, hit := match(decodeInput(value)); hit {
				return "header:" + name + ":" + rule, true
			}
		}
	}
	return "", false
}

// decodeInput percent-decodes attacker-controlled input before matching so
// encoding does not hide a payload. Undecodable input is matched raw.
func decodeInput(raw string) string {
	if raw == "" {
		return raw
	}
	decoded, err := url.QueryUnescape(strings.ReplaceAll(raw, "+", " "))
	if err != nil {
		return raw
	}
	if decoded != raw {
		return raw + "\n" + decoded
	}
	return decoded
}

// MatchHoneypot reports whether path is a trap endpoint.
func (d *SecurityDetectors) MatchHoneypot(path string) bool {
	p := strings.ToLower(path)
	if _, ok := honeypotPaths[p]; ok {
		return true
	}
	for _, prefix := range honeypotPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func matchRules(rules []InjectionRule, input string) (string, bool) {
	if input == "" {
		return "", false
	}
	for _, rule := range rules {
		if rule.Pattern.MatchString(input) {
			return rule.Name, true
		}
	}
	return "", false
}

// safeCheck isolates a detector: a panic inside one check is logged
// critically and its vote defaults to allow ("no opinion") instead of
// crashing the host process.
func safeCheck(name string, check func() Decision) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("detector", name).Str("panic", fmt.Sprint(r)).Msg("detector panicked, defaulting to no opinion")
			decision = Allow()
		}
	}()
	return check()
}
