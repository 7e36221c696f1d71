package copilot

import "github.com/matthewbaird/nbcopilot/internal/wire"

const (
	methodInitialize     = "initialize"
	methodInitialized    = "initialized"
	methodDidOpen        = "textDocument/didOpen"
	methodDidChange      = "textDocument/didChange"
	methodDidClose       = "textDocument/didClose"
	methodGetCompletions = "getCompletions"
)

type initializeParams struct {
	Capabilities clientCapabilities `json:"capabilities"`
}

type clientCapabilities struct {
	Workspace workspaceCapabilities `json:"workspace"`
}

type workspaceCapabilities struct {
	WorkspaceFolders bool `json:"workspaceFolders"`
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type versionedDocument struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type documentIdentifier struct {
	URI string `json:"uri"`
}

type contentChange struct {
	Text string `json:"text"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type didChangeParams struct {
	TextDocument   versionedDocument `json:"textDocument"`
	ContentChanges []contentChange   `json:"contentChanges"`
}

type didCloseParams struct {
	TextDocument documentIdentifier `json:"textDocument"`
}

type completionDoc struct {
	URI      string        `json:"uri"`
	Position wire.Position `json:"position"`
	Version  int           `json:"version"`
}

type getCompletionsParams struct {
	Doc completionDoc `json:"doc"`
}

type getCompletionsResult struct {
	Completions []wire.CompletionItem `json:"completions"`
}
