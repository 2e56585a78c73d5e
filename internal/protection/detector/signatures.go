package detector

// AttackClass labels a signature group so matches can be attributed in audit
// detail without leaking the matched token to the caller.
type AttackClass string

const (
	ClassSQLInjection        AttackClass = "sql_injection"
	ClassXSS                 AttackClass = "xss"
	ClassPathTraversal       AttackClass = "path_traversal"
	ClassCommandInjection    AttackClass = "command_injection"
	ClassRemoteFileInclusion AttackClass = "remote_file_inclusion"
)

// Signatures holds the malicious fragment lists, grouped by attack class.
// Matching is case-insensitive substring; fragments are stored lowercase.
type Signatures map[AttackClass][]string

// DefaultSignatures returns the built-in signature set. Deployments can
// replace or extend it through config.
func DefaultSignatures() Signatures {
	return Signatures{
		ClassSQLInjection: {
			"union select",
			"drop table",
			"insert into",
			"delete from",
			"' or '1'='1",
			"\" or \"1\"=\"1",
			" or 1=1",
			"; exec",
			"xp_cmdshell",
			"information_schema",
		},
		ClassXSS: {
			"<script",
			"javascript:",
			"onerror=",
			"onload=",
			"onmouseover=",
			"document.cookie",
			"<iframe",
		},
		ClassPathTraversal: {
			"../",
			"..\\",
			"%2e%2e%2f",
			"%2e%2e/",
			"/etc/passwd",
			"/etc/shadow",
			"c:\\windows",
		},
		ClassCommandInjection: {
			"; cat ",
			"| cat ",
			"; ls ",
			"| nc ",
			"&& wget ",
			"&& curl ",
			"; rm -rf",
			"$(",
			"`id`",
		},
		ClassRemoteFileInclusion: {
			"php://",
			"file://",
			"data://",
			"expect://",
			"zip://",
		},
	}
}

// DefaultSuspiciousAgents returns user-agent fragments of known scanners and
// attack tools. Matching is case-insensitive substring.
func DefaultSuspiciousAgents() []string {
	return []string{
		"sqlmap",
		"nikto",
		"nmap",
		"masscan",
		"zgrab",
		"gobuster",
		"dirbuster",
		"dirb",
		"wfuzz",
		"wpscan",
		"hydra",
		"acunetix",
		"nessus",
		"openvas",
		"burpsuite",
		"metasploit",
	}
}

// DefaultSensitivePaths returns administrative and secret-bearing path
// prefixes that legitimate meter and dashboard clients never request.
func DefaultSensitivePaths() []string {
	return []string{
		"/admin",
		"/wp-admin",
		"/wp-login",
		"/phpmyadmin",
		"/.env",
		"/.git",
		"/.aws",
		"/config",
		"/console",
		"/actuator",
		"/server-status",
		"/backup",
	}
}
