// Package llm is the language-model collaborator. Callers hold a Client;
// the concrete adapter is picked once from the configured Family through a
// registry that adapter packages fill in their init functions.
package llm
