package server

import "github.com/Tutortoise/face-alignment-gate/checklist"

const (
	MsgNoFace = "We couldn't find your face. Move into the frame so your whole face sits inside the guide."

	MsgOutsideRect = "Your face is not fully inside the guide. Move a little so your whole face fits inside the box."

	MsgNotFrontal = "Please look straight at the camera and keep your head level."

	MsgTooDark = "The picture is too dark. Find a brighter spot or turn towards a light source."

	MsgAligned = "Great, your face is centred, facing forward and well lit."
)

// checklistMessage explains the first criterion that failed.
func checklistMessage(state checklist.State, faceFound bool) string {
	switch {
	case !faceFound:
		return MsgNoFace
	case !state.Contains:
		return MsgOutsideRect
	case !state.Direction:
		return MsgNotFrontal
	case !state.Brightness:
		return MsgTooDark
	default:
		return MsgAligned
	}
}
