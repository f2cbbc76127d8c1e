// Package secrets masks credentials in document text before it is chunked,
// embedded or quoted back to a language model.
//
// Detection uses the gitleaks default rule set. Each detected secret is
// replaced with a [REDACTED:<rule-id>] marker so the surrounding text keeps
// its meaning for retrieval. An optional gitleaks-style TOML allowlist
// exempts known-safe values.
package secrets
