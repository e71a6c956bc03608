package main

const (
	AppTitle  = "Smart Vision (YOLOv8 Inference)"
	AppCredit = "Developed by Farah Abdou"

	MsgInvalidMode    = "Choose one of Object Detection, Object Segmentation or Pose Estimation."
	MsgAlreadyRunning = "The camera is already running. Stop it before starting another mode."
	MsgNotRunning     = "The camera is not running."
)
