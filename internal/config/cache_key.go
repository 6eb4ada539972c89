package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// StudentProgressKey returns the cache key for a student's buffered exam progress
func (r *CacheKeyStruct) StudentProgressKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:progress", studentID, examID)
}


// ExamMonitorChannel returns the pub/sub channel carrying live session events of one exam
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
