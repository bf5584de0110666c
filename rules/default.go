package rules

import "stalehunt/classifier"

// Default returns the built-in catalogue. The stale script rule comes last
// so cheaper name rules get the first look in general mode.
func Default() *File {
	return &File{
		Version: "1",
		Rules: []Spec{
			{
				ID:       "KeepassDatabase",
				Kind:     KindExtension,
				Severity: classifier.Red,
				Labels:   []string{"Password Manager Database"},
				Match:    StringOrList{".kdbx", ".kdb", ".psafe3", ".1pif"},
			},
			{
				ID:       "PrivateKeyFile",
				Kind:     KindName,
				Severity: classifier.Red,
				Labels:   []string{"Private Key"},
				Match:    StringOrList{"id_rsa", "id_dsa", "id_ecdsa", "id_ed25519"},
			},
			{
				ID:       "CertificateBundle",
				Kind:     KindExtension,
				Severity: classifier.Red,
				Labels:   []string{"Certificate With Private Key"},
				Match:    StringOrList{".pfx", ".p12", ".pem", ".key", ".ppk"},
			},
			{
				ID:       "UnattendedInstall",
				Kind:     KindName,
				Severity: classifier.Red,
				Labels:   []string{"Unattended Install Answer File"},
				Match:    StringOrList{"unattend.xml", "autounattend.xml", "sysprep.inf", "sysprep.xml"},
			},
			{
				ID:       "ShellHistory",
				Kind:     KindName,
				Severity: classifier.Yellow,
				Labels:   []string{"Shell History"},
				Match:    StringOrList{".bash_history", ".zsh_history", "consolehost_history.txt", ".psql_history", ".mysql_history"},
			},
			{
				ID:       "WebConfig",
				Kind:     KindName,
				Severity: classifier.Yellow,
				Labels:   []string{"Application Config"},
				Match:    StringOrList{"web.config", "applicationhost.config", "appsettings.json", ".env", ".htpasswd"},
			},
			{
				ID:       "CredentialPath",
				Kind:     KindPathContains,
				Severity: classifier.Yellow,
				Labels:   []string{"Credential Store Path"},
				Match:    StringOrList{"/.aws/credentials", `\.aws\credentials`, "/.docker/config.json", `\.docker\config.json`},
			},
			{
				ID:       "MemoryDump",
				Kind:     KindNameRegex,
				Severity: classifier.Yellow,
				Labels:   []string{"Memory Dump"},
				Match:    StringOrList{`(?i)^(lsass|memory)\S*\.dmp$`, `(?i)\.(vmem|vmsn)$`},
			},
			{
				ID:          "InlinePassword",
				Kind:        KindContent,
				Severity:    classifier.Yellow,
				Labels:      []string{"Inline Credential"},
				Description: "config and script files carrying literal credentials",
				Match:       StringOrList{"password=", "passwd=", "pwd=", "connectionstring", "-asplaintext -force", "net use "},
				MaxSize:     1 << 20,
			},
			{
				ID:          classifier.StaleScriptRuleName,
				Kind:        KindStaleScript,
				Labels:      []string{classifier.StaleScriptLabel},
				Description: "scripts still being run that nobody has edited in months",
			},
		},
	}
}
