// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the lobby socket.
const (
	InvalidLobbyIDError   = 3003 // Lobby code in the URL does not exist.
	UnknownPlayerError    = 3004 // playerName does not belong to the lobby.
	LobbyUnavailableError = 3005 // Store lookup failed while binding the socket.
)
